package muxpool

import (
	"os"

	jsoniter "github.com/json-iterator/go"
)

// ConvertJSONFileToConfig opens a file.json and converts to PoolSeasoning.
func ConvertJSONFileToConfig(fileNamePath string) (*PoolSeasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &PoolSeasoning{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

// ConvertJSONBytesToConfig converts raw JSON bytes to PoolSeasoning.
func ConvertJSONBytesToConfig(data []byte) (*PoolSeasoning, error) {

	config := &PoolSeasoning{}
	var json = jsoniter.ConfigFastest
	err := json.Unmarshal(data, config)

	return config, err
}
