package datasizes_test

import (
	"encoding/json"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"

	"github.com/mikesimons/docker2usb/pkg/datasizes"
)

func TestSizeUnmarshalHappy(t *testing.T) {
	cases := []struct {
		name      string
		inputJSON string
		inputTOML string
		expected  datasizes.Size
	}{
		{
			name:      "int",
			inputJSON: `{"size": 1234}`,
			inputTOML: `size = 1234`,
			expected:  1234,
		},
		{
			name:      "str",
			inputJSON: `{"size": "1234"}`,
			inputTOML: `size = "1234"`,
			expected:  1234,
		},
		{
			name:      "str/with-unit",
			inputJSON: `{"size": "1234 MiB"}`,
			inputTOML: `size = "1234 MiB"`,
			expected:  datasizes.Size(1234 * datasizes.MiB),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var v struct {
				Size datasizes.Size `json:"size" toml:"size"`
			}
			err := toml.Unmarshal([]byte(tc.inputTOML), &v)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, v.Size, tc.inputTOML)
			err = json.Unmarshal([]byte(tc.inputJSON), &v)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, v.Size, tc.inputJSON)
		})
	}
}

func TestSizeUnmarshalTOMLUnhappy(t *testing.T) {
	cases := []struct {
		name  string
		input string
		err   string
	}{
		{
			name:  "wrong datatype/bool",
			input: `size = true`,
			err:   `error decoding TOML size: failed to convert value "true" to number`,
		},
		{
			name:  "wrong datatype/float",
			input: `size = 3.14`,
			err:   `error decoding TOML size: cannot be float`,
		},
		{
			name:  "wrong unit",
			input: `size = "20 KG"`,
			err:   `error decoding TOML size: unknown data size units in string: 20 KG`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var v struct {
				Size datasizes.Size `toml:"size"`
			}
			err := toml.Unmarshal([]byte(tc.input), &v)
			assert.ErrorContains(t, err, tc.err, tc.input)
		})
	}
}

func TestSizeUnmarshalJSONUnhappy(t *testing.T) {
	cases := []struct {
		name  string
		input string
		err   string
	}{
		{
			name:  "size not string nor int",
			input: `{"size": true}`,
			err:   `error decoding size: failed to convert value "true" to number`,
		},
		{
			name:  "wrong datatype/float",
			input: `{"size": 3.14}`,
			err:   `error decoding size: strconv.ParseInt: parsing "3.14": invalid syntax`,
		},
		{
			name:  "size not parseable",
			input: `{"size": "20 KG"}`,
			err:   `error decoding size: unknown data size units in string: 20 KG`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var v struct {
				Size datasizes.Size `json:"size"`
			}
			err := json.Unmarshal([]byte(tc.input), &v)
			assert.EqualError(t, err, tc.err, tc.input)
		})
	}
}
