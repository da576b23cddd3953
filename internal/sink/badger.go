package sink

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/series"
)

const keyPrefix = "table/"

// Badger stores each table under "table/<name>" in an embedded key-value
// store. Each write is a single transaction.
type Badger struct {
	db    *badger.DB
	codec *Codec
}

var (
	_ collect.Sink        = (*Badger)(nil)
	_ collect.TableLoader = (*Badger)(nil)
)

// OpenBadger opens (or creates) the store at dir. An empty dir keeps the
// store in memory.
func OpenBadger(dir string, codec *Codec) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %q", dir)
	}
	return &Badger{db: db, codec: codec}, nil
}

func (b *Badger) Persist(ctx context.Context, name string, t series.Table) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data := b.codec.Encode(t)
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+name), data)
	})
	return errors.Wrapf(err, "store %s", name)
}

func (b *Badger) Load(ctx context.Context, name string) (series.Table, error) {
	if err := validName(name); err != nil {
		return series.Table{}, err
	}
	if err := ctx.Err(); err != nil {
		return series.Table{}, err
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return series.Table{}, errors.Mark(errors.Newf("no artifact for %q", name), collect.ErrNotFound)
	}
	if err != nil {
		return series.Table{}, errors.Wrapf(err, "load %s", name)
	}
	return b.codec.Decode(data)
}

// Names lists the stored tables.
func (b *Badger) Names() ([]string, error) {
	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return names, errors.Wrap(err, "list tables")
}

func (b *Badger) Close() error {
	return b.db.Close()
}
