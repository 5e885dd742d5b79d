package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// byteSize accepts a JSON number of bytes or a humanized string such as
// "15.50 GB" or "931.51 G". Legacy producers compute those strings with
// powers of 1024, so decimal unit names are read as binary multiples.
type byteSize uint64

func (b *byteSize) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*b = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := parseLegacySize(s)
		if err != nil {
			return err
		}
		*b = byteSize(n)
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return fmt.Errorf("size %s: %w", data, err)
	}
	switch {
	case f <= 0:
		*b = 0
	case f >= math.MaxUint64:
		*b = byteSize(math.MaxUint64)
	default:
		*b = byteSize(f)
	}
	return nil
}

var binaryUnits = map[string]string{
	"k": "KiB", "kb": "KiB",
	"m": "MiB", "mb": "MiB",
	"g": "GiB", "gb": "GiB",
	"t": "TiB", "tb": "TiB",
	"p": "PiB", "pb": "PiB",
}

func parseLegacySize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "unknown") {
		return 0, nil
	}
	i := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.' && r != ' '
	})
	if i < 0 {
		return humanize.ParseBytes(s)
	}
	num, unit := strings.TrimSpace(s[:i]), strings.ToLower(strings.TrimSpace(s[i:]))
	if bin, ok := binaryUnits[unit]; ok {
		unit = bin
	}
	return humanize.ParseBytes(num + " " + unit)
}

// timestamp accepts unix seconds (integer or fractional, as a number or a
// numeric string) or an RFC 3339 string.
type timestamp time.Time

func (t timestamp) Time() time.Time { return time.Time(t) }

func (t *timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = timestamp{}
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*t = timestamp{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			*t = timestamp(parsed.UTC())
			return nil
		}
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("timestamp %s: not unix seconds or RFC 3339", data)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return fmt.Errorf("timestamp %s: outside the unix seconds range", data)
	}
	sec, frac := math.Modf(f)
	*t = timestamp(time.Unix(int64(sec), int64(frac*1e9)).UTC())
	return nil
}
