package handler

import (
	"net/url"
	"strconv"
	"time"

	"civicpulse/internal/privacy/models"
	id "civicpulse/pkg/domain"
	dErrors "civicpulse/pkg/domain-errors"
)

// QueryRequest is the transport shape of POST /privacy/query. The subject is
// taken from the authenticated token, never from the body.
type QueryRequest struct {
	ResourceID     string  `json:"resource_id"`
	QueryType      string  `json:"query_type"`
	EpsilonCost    float64 `json:"epsilon_cost"`
	Sensitivity    float64 `json:"sensitivity"`
	Description    string  `json:"description,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// ToDomain validates the transport fields and builds the domain request.
func (r QueryRequest) ToDomain(subjectID id.SubjectID) (models.QueryRequest, error) {
	resourceID, err := id.ParseResourceID(r.ResourceID)
	if err != nil {
		return models.QueryRequest{}, err
	}
	queryType, err := id.ParseQueryType(r.QueryType)
	if err != nil {
		return models.QueryRequest{}, err
	}
	req := models.QueryRequest{
		SubjectID:      subjectID,
		ResourceID:     resourceID,
		QueryType:      queryType,
		EpsilonCost:    r.EpsilonCost,
		Sensitivity:    r.Sensitivity,
		Description:    r.Description,
		IdempotencyKey: r.IdempotencyKey,
	}
	if err := req.Validate(); err != nil {
		return models.QueryRequest{}, err
	}
	return req, nil
}

// maxListLimit caps ledger pages regardless of what the client asks for.
const maxListLimit = 500

// parseListFilter reads ledger paging parameters from the query string.
func parseListFilter(values url.Values) (models.ListFilter, error) {
	var filter models.ListFilter

	if raw := values.Get("query_type"); raw != "" {
		queryType, err := id.ParseQueryType(raw)
		if err != nil {
			return models.ListFilter{}, err
		}
		filter.QueryType = queryType
	}
	if raw := values.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return models.ListFilter{}, dErrors.New(dErrors.CodeInvalidInput, "since must be RFC3339")
		}
		filter.Since = since
	}
	if raw := values.Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return models.ListFilter{}, dErrors.New(dErrors.CodeInvalidInput, "until must be RFC3339")
		}
		filter.Until = until
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return models.ListFilter{}, dErrors.New(dErrors.CodeInvalidInput, "limit must be a positive integer")
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		filter.Limit = limit
	}
	if raw := values.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return models.ListFilter{}, dErrors.New(dErrors.CodeInvalidInput, "offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}
