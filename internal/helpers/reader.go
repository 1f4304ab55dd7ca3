package helpers

import (
	"fmt"
	"io"
)

// ReadLimitedAndClose reads at most limit bytes from r and closes it. Bodies larger
// than limit are an error rather than silently truncated.
func ReadLimitedAndClose(r io.ReadCloser, limit int64) ([]byte, error) {
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return data, nil
}
