package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shrek82/tooldb/model"
)

// DatetimeFormat is the text form of datetime fields.
const DatetimeFormat = "2006-01-02 15:04:05"

// TimeScanner reads datetime columns stored as text, as time.Time or as NULL.
// Zero dates and empty strings scan as invalid.
type TimeScanner struct {
	Value time.Time
	Valid bool
}

func (ts *TimeScanner) Scan(value any) error {
	ts.Value, ts.Valid = time.Time{}, false
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		ts.Value, ts.Valid = v, true
		return nil
	case []byte:
		return ts.parse(string(v))
	case string:
		return ts.parse(v)
	}
	return fmt.Errorf("cannot scan %T into TimeScanner", value)
}

func (ts *TimeScanner) parse(s string) error {
	if s == "" || s == "0000-00-00 00:00:00" || s == "0000-00-00" {
		return nil
	}
	t, err := time.ParseInLocation(DatetimeFormat, s, time.Local)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return fmt.Errorf("parse datetime %q: %w", s, err)
		}
	}
	ts.Value, ts.Valid = t, true
	return nil
}

// encodeField converts a record value into what is bound for its column.
func encodeField(f *model.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case model.Serialized:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Name, err)
		}
		return string(b), nil
	case model.Datetime:
		switch t := v.(type) {
		case time.Time:
			if t.IsZero() {
				return nil, nil
			}
			return t.Format(DatetimeFormat), nil
		case *time.Time:
			if t == nil || t.IsZero() {
				return nil, nil
			}
			return t.Format(DatetimeFormat), nil
		}
	}
	return v, nil
}

// decodeField converts a column value read from the backend into a record value.
func decodeField(f *model.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case model.Serialized:
		var raw []byte
		switch s := v.(type) {
		case string:
			raw = []byte(s)
		case []byte:
			raw = s
		default:
			return v, nil
		}
		if len(raw) == 0 {
			return nil, nil
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Name, err)
		}
		return out, nil
	case model.Datetime:
		var ts TimeScanner
		if err := ts.Scan(v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Name, err)
		}
		if !ts.Valid {
			return nil, nil
		}
		return ts.Value, nil
	}
	return v, nil
}
