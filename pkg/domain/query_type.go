package domain

import dErrors "civicpulse/pkg/domain-errors"

// QueryType classifies private queries for ledger audit purposes.
type QueryType string

// Supported query types.
const (
	QueryTypeCount     QueryType = "count"
	QueryTypeAggregate QueryType = "aggregate"
	QueryTypeHistogram QueryType = "histogram"
	QueryTypeCustom    QueryType = "custom"
)

// validQueryTypes is the single source of truth for valid query types.
var validQueryTypes = map[QueryType]bool{
	QueryTypeCount:     true,
	QueryTypeAggregate: true,
	QueryTypeHistogram: true,
	QueryTypeCustom:    true,
}

// ParseQueryType constructs a QueryType from external input.
// Errors: CodeInvalidInput when the value is empty or unsupported.
func ParseQueryType(s string) (QueryType, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "query type cannot be empty")
	}
	qt := QueryType(s)
	if !qt.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "unsupported query type: %s", s)
	}
	return qt, nil
}

// IsValid checks if the query type is one of the supported enum values.
func (qt QueryType) IsValid() bool {
	return validQueryTypes[qt]
}

// String returns the string representation.
func (qt QueryType) String() string { return string(qt) }
