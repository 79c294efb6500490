package httpclient

import (
	"encoding/json"

	"github.com/marketscan/scanner/internal/domain"
)

func marshalEntry(e *domain.CacheEntry) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEntry(blob []byte, out *domain.CacheEntry) error {
	return json.Unmarshal(blob, out)
}
