package pan123

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// IDList is a set of file IDs given either as values or as a comma-joined
// string. It is normalized once, at the API boundary.
type IDList struct {
	values []int64
	joined string
	isText bool
}

// IDs builds an IDList from explicit values.
func IDs(ids ...int64) IDList {
	return IDList{values: append([]int64(nil), ids...)}
}

// JoinedIDs builds an IDList from a string such as "1,2,3".
func JoinedIDs(s string) IDList {
	return IDList{joined: s, isText: true}
}

// Values returns the IDs as integers. Blank entries are ignored; anything
// else that is not a positive integer is an error.
func (l IDList) Values() ([]int64, error) {
	if !l.isText {
		for _, id := range l.values {
			if id <= 0 {
				return nil, fmt.Errorf("invalid file ID %d", id)
			}
		}
		return append([]int64(nil), l.values...), nil
	}

	var out []int64
	for _, part := range strings.Split(l.joined, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid file ID %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

// Joined returns the IDs as a comma-separated string.
func (l IDList) Joined() (string, error) {
	values, err := l.Values()
	if err != nil {
		return "", err
	}
	parts := make([]string, len(values))
	for i, id := range values {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ","), nil
}

// Validate implements validation.Validatable.
func (l IDList) Validate() error {
	values, err := l.Values()
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return errors.New("at least one file ID is required")
	}
	return nil
}

func chunkIDs(ids []int64, size int) [][]int64 {
	var out [][]int64
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
