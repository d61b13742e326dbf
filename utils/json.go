package utils

import (
	"errors"

	"github.com/bytedance/sonic"
)

var (
	jsonAPI = sonic.ConfigDefault

	// sortedAPI serializes map keys in order so equal values always encode to equal bytes.
	sortedAPI = sonic.Config{SortMapKeys: true}.Froze()
)

func Marshal(data interface{}) ([]byte, error) {
	return jsonAPI.Marshal(data)
}

func MarshalSorted(data interface{}) ([]byte, error) {
	return sortedAPI.Marshal(data)
}

// Unmarshal decodes into target. Decoded strings may share memory with data,
// so data must not be reused while they are alive.
func Unmarshal[T any](data []byte, target *T) error {
	return jsonAPI.Unmarshal(data, target)
}

// UnmarshalConfig converts a loosely typed config block, as decoded from YAML,
// into target.
func UnmarshalConfig[T any](config interface{}, target *T) error {
	switch typed := config.(type) {
	case nil:
		return errors.New("config is nil")
	case *T:
		*target = *typed
		return nil
	case T:
		*target = typed
		return nil
	}

	data, err := jsonAPI.Marshal(config)
	if err != nil {
		return err
	}

	return jsonAPI.Unmarshal(data, target)
}
