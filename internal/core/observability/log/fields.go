package log

import (
	"time"

	"go.uber.org/zap"
)

// Field is a typed key/value pair attached to a log entry. Constructors
// mirror the zap field set this codebase actually uses.
type Field struct {
	Key   string
	Type  FieldType
	Value any
}

type FieldType uint8

const (
	AnyType FieldType = iota
	BoolType
	DurationType
	IntType
	Int64Type
	StringType
	TimeType
	Uint64Type
	ErrorType
)

func Any(key string, val any) Field       { return Field{Key: key, Type: AnyType, Value: val} }
func Bool(key string, val bool) Field     { return Field{Key: key, Type: BoolType, Value: val} }
func Int(key string, val int) Field       { return Field{Key: key, Type: IntType, Value: val} }
func Int64(key string, val int64) Field   { return Field{Key: key, Type: Int64Type, Value: val} }
func String(key, val string) Field        { return Field{Key: key, Type: StringType, Value: val} }
func Uint64(key string, val uint64) Field { return Field{Key: key, Type: Uint64Type, Value: val} }

func Duration(key string, val time.Duration) Field {
	return Field{Key: key, Type: DurationType, Value: val}
}

func Time(key string, val time.Time) Field {
	return Field{Key: key, Type: TimeType, Value: val}
}

func Error(val error) Field {
	return Field{Key: "error", Type: ErrorType, Value: val}
}

func toZapFields(fields []Field) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		switch f.Type {
		case BoolType:
			zapFields[i] = zap.Bool(f.Key, f.Value.(bool))
		case DurationType:
			zapFields[i] = zap.Duration(f.Key, f.Value.(time.Duration))
		case IntType:
			zapFields[i] = zap.Int(f.Key, f.Value.(int))
		case Int64Type:
			zapFields[i] = zap.Int64(f.Key, f.Value.(int64))
		case StringType:
			zapFields[i] = zap.String(f.Key, f.Value.(string))
		case TimeType:
			zapFields[i] = zap.Time(f.Key, f.Value.(time.Time))
		case Uint64Type:
			zapFields[i] = zap.Uint64(f.Key, f.Value.(uint64))
		case ErrorType:
			zapFields[i] = zap.NamedError(f.Key, f.Value.(error))
		default:
			zapFields[i] = zap.Any(f.Key, f.Value)
		}
	}
	return zapFields
}
