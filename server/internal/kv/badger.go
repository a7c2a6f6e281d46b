package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger 是落盘的 Store 实现。
type Badger struct {
	db *badger.DB
}

// BadgerOptions 配置 Badger。
type BadgerOptions struct {
	// Dir 数据目录，落盘模式必填。
	Dir string
	// InMemory 只在内存里运行，测试用。
	InMemory bool
	Logger   *log.Logger
}

// OpenBadger 打开数据库。
func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("kv: badger dir is required")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{logger: opts.Logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key Key) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.bytes())
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *Badger) Set(_ context.Context, key Key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key.bytes(), value)
	})
}

func (b *Badger) Delete(_ context.Context, key Key) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key.bytes())
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	p := prefix.prefixBytes()
	return func(yield func(Entry, error) bool) {
		stopped := false
		err := b.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: p, PrefetchValues: true, PrefetchSize: 16})
			defer it.Close()

			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				item := it.Item()
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if !yield(Entry{Key: parseKey(item.KeyCopy(nil)), Value: val}, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(Entry{}, err)
		}
	}
}

func (b *Badger) Close() error { return b.db.Close() }

// badgerLogger 把 badger 的 warn/error 转到统一的 log.Logger，丢弃 info/debug。
type badgerLogger struct {
	logger *log.Logger
}

func (l badgerLogger) out() *log.Logger {
	if l.logger == nil {
		return log.Default()
	}
	return l.logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.out().Printf("[Badger] ❌ "+f, v...)
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.out().Printf("[Badger] ⚠️  "+f, v...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
