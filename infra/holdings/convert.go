package holdings

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

// toInt reads an HMGET slot; a missing field counts as zero.
func toInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case int64:
		return x, nil
	default:
		return 0, errors.Newf("unexpected redis value %T", v)
	}
}
