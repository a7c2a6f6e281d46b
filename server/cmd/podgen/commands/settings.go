package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"podgen/server/internal/model"
	"podgen/server/internal/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change host/guest settings",
	Long: `主持人與來賓設定。設定了 settings.dir（或 PODGEN_SETTINGS_DIR）時會保存到本機，
否則只在本次執行中有效。`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print current settings as YAML",
	Args:  cobra.NoArgs,
	RunE:  runSettingsShow,
}

var (
	setHostName        string
	setHostBackground  string
	setHostVoice       string
	setGuestName       string
	setGuestBackground string
	setGuestVoice      string

	setHostSpeed  float64
	setHostPitch  int
	setGuestSpeed float64
	setGuestPitch int
)

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update settings; only the given flags change",
	Args:  cobra.NoArgs,
	RunE:  runSettingsSet,
}

var settingsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore default settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsReset,
}

func init() {
	f := settingsSetCmd.Flags()
	f.StringVar(&setHostName, "host-name", "", "host name")
	f.StringVar(&setHostBackground, "host-background", "", "host background")
	f.StringVar(&setHostVoice, "host-voice", "", "host voice")
	f.StringVar(&setGuestName, "guest-name", "", "guest name")
	f.StringVar(&setGuestBackground, "guest-background", "", "guest background")
	f.StringVar(&setGuestVoice, "guest-voice", "", "guest voice")
	f.Float64Var(&setHostSpeed, "host-speed", 1.0, "host speaking rate")
	f.IntVar(&setHostPitch, "host-pitch", 0, "host pitch")
	f.Float64Var(&setGuestSpeed, "guest-speed", 1.0, "guest speaking rate")
	f.IntVar(&setGuestPitch, "guest-pitch", 0, "guest pitch")

	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd, settingsResetCmd)
	rootCmd.AddCommand(settingsCmd)
}

// settingsView 是 show 输出的结构
type settingsView struct {
	Characters model.CharacterSettings `yaml:"characters"`
	Voices     struct {
		Host  string `yaml:"host"`
		Guest string `yaml:"guest"`
	} `yaml:"voices"`
	Prosody settings.ProsodySettings `yaml:"prosody"`
}

// withApp 打开本地存储后执行 fn
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, newLogger(cfg, discardUnlessVerbose()))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func runSettingsShow(cmd *cobra.Command, _ []string) error {
	return withApp(func(a *app) error {
		return printSettings(cmd, a)
	})
}

func runSettingsSet(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	return withApp(func(a *app) error {
		ctx := cmd.Context()
		update := model.CharacterSettings{
			Host:  model.Character{Name: setHostName, Background: setHostBackground, Voice: setHostVoice},
			Guest: model.Character{Name: setGuestName, Background: setGuestBackground, Voice: setGuestVoice},
		}
		if update != (model.CharacterSettings{}) {
			if _, err := a.settings.UpdateCharacters(ctx, update); err != nil {
				return fmt.Errorf("save characters: %w", err)
			}
		}

		if flags.Changed("host-speed") || flags.Changed("host-pitch") || flags.Changed("guest-speed") || flags.Changed("guest-pitch") {
			p, err := a.settings.Prosody(ctx)
			if err != nil {
				return fmt.Errorf("load prosody: %w", err)
			}
			if flags.Changed("host-speed") {
				p.Host.Speed = setHostSpeed
			}
			if flags.Changed("host-pitch") {
				p.Host.Pitch = setHostPitch
			}
			if flags.Changed("guest-speed") {
				p.Guest.Speed = setGuestSpeed
			}
			if flags.Changed("guest-pitch") {
				p.Guest.Pitch = setGuestPitch
			}
			if err := a.settings.SaveProsody(ctx, p); err != nil {
				return fmt.Errorf("save prosody: %w", err)
			}
		}
		return printSettings(cmd, a)
	})
}

func runSettingsReset(cmd *cobra.Command, _ []string) error {
	return withApp(func(a *app) error {
		if err := a.settings.Reset(cmd.Context()); err != nil {
			return err
		}
		return printSettings(cmd, a)
	})
}

func printSettings(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	chars, err := a.settings.Characters(ctx)
	if err != nil {
		return fmt.Errorf("load characters: %w", err)
	}
	prosody, err := a.settings.Prosody(ctx)
	if err != nil {
		return fmt.Errorf("load prosody: %w", err)
	}
	view := settingsView{Characters: chars, Prosody: prosody}
	voices := model.ResolveVoiceSettings(chars)
	view.Voices.Host = voices.HostVoice
	view.Voices.Guest = voices.GuestVoice

	data, err := yaml.Marshal(view)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
