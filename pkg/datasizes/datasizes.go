package datasizes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Binary size units.
const (
	KiB = uint64(1024)
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
)

// Decimal size units.
const (
	KiloByte = uint64(1000)
	MegaByte = 1000 * KiloByte
	GigaByte = 1000 * MegaByte
	TeraByte = 1000 * GigaByte
)

var unitFactors = []struct {
	unit   string
	factor uint64
}{
	{"kB", KiloByte},
	{"KiB", KiB},
	{"MB", MegaByte},
	{"MiB", MiB},
	{"GB", GigaByte},
	{"GiB", GiB},
	{"TB", TeraByte},
	{"TiB", TiB},
}

// Parse converts a size string like "123", "123 kB" or "123GiB" to an
// amount of bytes. Units are case sensitive ("KB" and "mb" are invalid).
func Parse(size string) (uint64, error) {
	number := strings.TrimSpace(size)
	factor := uint64(1)
	for _, uf := range unitFactors {
		if strings.HasSuffix(number, uf.unit) {
			factor = uf.factor
			number = strings.TrimSpace(strings.TrimSuffix(number, uf.unit))
			break
		}
	}
	value, err := strconv.ParseUint(number, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown data size units in string: %s", strings.TrimSpace(size))
	}
	return value * factor, nil
}

// Size is an amount of bytes that decodes from plain integers or from
// size strings with units in JSON and TOML documents.
type Size uint64

func (si Size) Uint64() uint64 {
	return uint64(si)
}

func decodeSize(v interface{}) (uint64, error) {
	switch value := v.(type) {
	case int64:
		if value < 0 {
			return 0, fmt.Errorf("cannot be negative")
		}
		return uint64(value), nil
	case json.Number:
		i, err := strconv.ParseInt(value.String(), 10, 64)
		if err != nil {
			return 0, err
		}
		return decodeSize(i)
	case string:
		return Parse(value)
	case float64:
		return 0, errors.New("cannot be float")
	default:
		return 0, fmt.Errorf("failed to convert value %q to number", fmt.Sprintf("%v", v))
	}
}

func (si *Size) UnmarshalTOML(data interface{}) error {
	size, err := decodeSize(data)
	if err != nil {
		return fmt.Errorf("error decoding TOML size: %w", err)
	}
	*si = Size(size)
	return nil
}

func (si *Size) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	size, err := decodeSize(v)
	if err != nil {
		return fmt.Errorf("error decoding size: %w", err)
	}
	*si = Size(size)
	return nil
}
