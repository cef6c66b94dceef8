package httpclient

import "errors"

var (
	// ErrBodyNotJSON 响应体不是合法 JSON
	ErrBodyNotJSON = errors.New("response body is not valid JSON")

	// ErrFieldMissing JSONPath 没有匹配
	ErrFieldMissing = errors.New("field missing")

	// ErrFieldType 匹配值的类型不符合预期
	ErrFieldType = errors.New("field has unexpected type")

	// ErrInvalidPath JSONPath 表达式无法解析
	ErrInvalidPath = errors.New("invalid JSONPath expression")
)
