package model

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Epoch is the first millisecond of 2015, the zero point of Snowflake timestamps.
const Epoch int64 = 1420070400000

// ErrInvalidSnowflake is returned for ids that are not decimal uint64 values.
var ErrInvalidSnowflake = errors.New("invalid snowflake")

// Snowflake is a server-assigned entity id.
type Snowflake string

// ParseSnowflake validates s and returns it as a Snowflake.
func ParseSnowflake(s string) (Snowflake, error) {
	if !IsSnowflake(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSnowflake, s)
	}
	return Snowflake(s), nil
}

// IsSnowflake reports whether s is a plausible id: 1 to 20 decimal digits
// that fit in a uint64.
func IsSnowflake(s string) bool {
	if len(s) == 0 || len(s) > 20 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

// Time returns the creation time encoded in the id.
func (s Snowflake) Time() time.Time {
	v, err := strconv.ParseUint(string(s), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(v>>22) + Epoch)
}

func (s Snowflake) String() string {
	return string(s)
}
