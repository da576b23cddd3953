// Package sink persists collected tables as compressed columnar artifacts.
package sink

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/series"
)

var magic = []byte("TSZ1")

// Codec encodes a series.Table as one zstd frame: column names,
// delta-of-delta timestamps and XOR-encoded float64 columns.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewCodec() (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, errors.Wrap(err, "create zstd encoder")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, errors.Wrap(err, "create zstd decoder")
	}
	return &Codec{encoder: encoder, decoder: decoder}, nil
}

// Encode is safe for concurrent use.
func (c *Codec) Encode(t series.Table) []byte {
	cols := t.Columns()
	rows := t.Rows()

	buf := append([]byte(nil), magic...)
	buf = binary.AppendUvarint(buf, uint64(len(cols)))
	for _, name := range cols {
		buf = binary.AppendUvarint(buf, uint64(len(name)))
		buf = append(buf, name...)
	}
	buf = binary.AppendUvarint(buf, uint64(len(rows)))

	var prev, prevDelta int64
	for i, r := range rows {
		ts := r.Time.UnixNano()
		if i == 0 {
			buf = binary.AppendVarint(buf, ts)
		} else {
			delta := ts - prev
			buf = binary.AppendVarint(buf, delta-prevDelta)
			prevDelta = delta
		}
		prev = ts
	}

	for j := range cols {
		var prevBits uint64
		for _, r := range rows {
			bits := math.Float64bits(r.Values[j])
			buf = binary.LittleEndian.AppendUint64(buf, bits^prevBits)
			prevBits = bits
		}
	}
	return c.encoder.EncodeAll(buf, nil)
}

// Decode reverses Encode. Corrupt input is a format error.
func (c *Codec) Decode(data []byte) (series.Table, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return series.Table{}, corrupt(errors.Wrap(err, "decompress"))
	}
	if len(raw) < len(magic) || string(raw[:len(magic)]) != string(magic) {
		return series.Table{}, corrupt(errors.New("bad magic"))
	}
	r := reader{buf: raw[len(magic):]}

	ncols := r.uvarint()
	if r.err == nil && ncols > uint64(len(r.buf)) {
		return series.Table{}, corrupt(errors.Newf("column count %d exceeds payload", ncols))
	}
	cols := make([]string, 0, ncols)
	for i := uint64(0); i < ncols && r.err == nil; i++ {
		cols = append(cols, string(r.bytes(r.uvarint())))
	}
	nrows := r.uvarint()
	if r.err == nil && nrows > uint64(len(r.buf)) {
		return series.Table{}, corrupt(errors.Newf("row count %d exceeds payload", nrows))
	}

	rows := make([]series.Row, nrows)
	var prev, prevDelta int64
	for i := range rows {
		if i == 0 {
			prev = r.varint()
		} else {
			delta := r.varint() + prevDelta
			prev += delta
			prevDelta = delta
		}
		rows[i] = series.Row{Time: time.Unix(0, prev).UTC(), Values: make([]float64, len(cols))}
	}
	for j := range cols {
		var prevBits uint64
		for i := range rows {
			bits := r.uint64() ^ prevBits
			rows[i].Values[j] = math.Float64frombits(bits)
			prevBits = bits
		}
	}
	if r.err != nil {
		return series.Table{}, corrupt(r.err)
	}
	if len(r.buf) != 0 {
		return series.Table{}, corrupt(errors.Newf("%d trailing bytes", len(r.buf)))
	}

	t, err := series.New(cols, rows)
	if err != nil {
		return series.Table{}, corrupt(err)
	}
	return t, nil
}

func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

func corrupt(err error) error {
	return errors.Mark(errors.Wrap(err, "corrupt table artifact"), collect.ErrFormat)
}

// reader consumes the decompressed payload and records the first error.
type reader struct {
	buf []byte
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = errors.New("truncated uvarint")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.err = errors.New("truncated varint")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 8 {
		r.err = errors.New("truncated value")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	return v
}

func (r *reader) bytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)) {
		r.err = errors.New("truncated bytes")
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}
