package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/audioscribe/internal/database"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteErrorDetail writes a JSON error response with detail.
func WriteErrorDetail(w http.ResponseWriter, status int, msg, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

// Pagination is the limit/offset window of a list request.
type Pagination struct {
	Limit  int
	Offset int
}

// ParsePagination reads limit and offset. Absent values take defaults;
// present but invalid values are an error rather than being clamped.
func ParsePagination(r *http.Request) (Pagination, error) {
	q := r.URL.Query()
	limit, err := queryInt(q, "limit", database.DefaultPageSize, 1, database.MaxPageSize)
	if err != nil {
		return Pagination{}, err
	}
	offset, err := queryInt(q, "offset", 0, 0, math.MaxInt32)
	if err != nil {
		return Pagination{}, err
	}
	return Pagination{Limit: limit, Offset: offset}, nil
}

func queryInt(q url.Values, name string, def, lo, hi int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s must be between %d and %d, got %d", name, lo, hi, n)
	}
	return n, nil
}

// QueryStringList splits a comma-separated query parameter, dropping blanks.
func QueryStringList(r *http.Request, name string) []string {
	var out []string
	for _, p := range strings.Split(r.URL.Query().Get(name), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// QueryInt64List is QueryStringList for numeric ids; entries that do not
// parse are skipped.
func QueryInt64List(r *http.Request, name string) []int64 {
	var out []int64
	for _, p := range QueryStringList(r, name) {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// PathID parses a positive record id from a chi URL parameter.
func PathID(r *http.Request, name string) (int64, error) {
	v := chi.URLParam(r, name)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return id, nil
}
