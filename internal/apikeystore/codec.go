package apikeystore

import (
	"encoding/json"

	"github.com/cvm-network/cvmnode/internal/txmodel"
)

func encode(key txmodel.ApiKey) ([]byte, error) { return json.Marshal(key) }

func decode(data []byte) (txmodel.ApiKey, error) {
	var key txmodel.ApiKey
	err := json.Unmarshal(data, &key)
	return key, err
}
