package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sableintel/humint-escrow/internal/api/middleware"
	"github.com/sableintel/humint-escrow/internal/api/problem"
)

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// requestActor returns the authenticated subject and whether it carries the
// admin role. Source IDs are opaque handles, never parsed or dereferenced.
func requestActor(r *http.Request) (string, bool, error) {
	subject := middleware.SubjectFromContext(r.Context())
	if subject == "" {
		return "", false, errors.New("missing subject in auth context")
	}
	return subject, middleware.RoleFromContext(r.Context()) == "admin", nil
}

// canAccessSource gates per-source reads: a source sees only itself, an
// admin sees everything.
func canAccessSource(r *http.Request, sourceID string) bool {
	subject, isAdmin, err := requestActor(r)
	if err != nil {
		return false
	}
	return isAdmin || subject == sourceID
}

func mapDBError(err error) (status int, problemType, message string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return 0, "", "", false
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return http.StatusConflict, "db/unique-violation", "resource already exists", true
	case "23503": // foreign_key_violation
		return http.StatusBadRequest, "db/foreign-key-violation", "invalid reference", true
	case "23514": // check_violation
		return http.StatusBadRequest, "db/check-violation", "request violates data constraints", true
	case "23502": // not_null_violation
		return http.StatusBadRequest, "db/not-null-violation", "missing required field", true
	default:
		return 0, "", "", false
	}
}
