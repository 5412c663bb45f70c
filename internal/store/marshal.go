package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// marshalFields converts an Object to canonical JSON TEXT.
func marshalFields(fields model.Object) (string, error) {
	if fields == nil {
		fields = model.Object{}
	}
	data, err := model.MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields parses canonical JSON TEXT back into an Object. Integers
// are decoded through json.Number so values above 2^53 survive.
func unmarshalFields(data string) (model.Object, error) {
	if data == "" || data == "{}" {
		return model.Object{}, nil
	}
	obj, err := model.ParseObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return obj, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toNullVersion(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullVersion(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return model.Version(v.Int64)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
