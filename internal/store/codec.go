package store

import (
	"fmt"
	"time"

	kzstd "github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/compress/gzip"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// Config describes the lake roots and compression policy.
type Config struct {
	RawRoot       string
	CleanRoot     string
	StreamingRoot string

	HotDays   int    // partitions younger than this use the hot codec
	HotCodec  string // snappy | zstd | gzip | uncompressed
	ColdCodec string
	ColdLevel int // zstd level for the cold codec
}

// codecByName resolves a codec name, applying the zstd level where it
// means something.
func codecByName(name string, zstdLevel int) (compress.Codec, error) {
	switch name {
	case "snappy":
		return &parquet.Snappy, nil
	case "zstd":
		if zstdLevel > 0 {
			return &zstd.Codec{Level: kzstd.EncoderLevelFromZstd(zstdLevel)}, nil
		}
		return &parquet.Zstd, nil
	case "gzip":
		return &gzip.Codec{}, nil
	case "uncompressed", "":
		return &parquet.Uncompressed, nil
	}
	return nil, fmt.Errorf("unknown parquet codec %q", name)
}

// CodecFor picks the codec for a partition by its trade date's age.
func (c Config) CodecFor(tradeDate, today time.Time) (compress.Codec, error) {
	cutoff := midnightUTC(today).AddDate(0, 0, -c.HotDays)
	if !midnightUTC(tradeDate).Before(cutoff) {
		return codecByName(c.HotCodec, 0)
	}
	return codecByName(c.ColdCodec, c.ColdLevel)
}

// midnightUTC truncates to a date at midnight UTC.
func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
