package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func mapPgError(err error) error {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return mapPgErrorToServiceError(err)
}

func mapPgErrorToServiceError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return newServiceError(http.StatusNotFound, CodeNotFound, "not found", err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case "40001", "40P01": // retried by the transaction helpers
		return err
	case "23505": // unique_violation
		recordWriteConflict("unique")
		switch pgErr.ConstraintName {
		case "teams_name_active_key", "teams_code_active_key":
			return newServiceError(http.StatusConflict, CodeDuplicateKey, "name or code already in use", err)
		case "team_memberships_open_edge_key":
			return newServiceError(http.StatusConflict, CodeDuplicateOpenMembership, "membership already open for this parent", err)
		default:
			return newServiceError(http.StatusConflict, CodeDuplicateKey, "unique constraint violated", err)
		}
	case "23514": // check_violation
		recordWriteConflict("check")
		return newServiceError(http.StatusUnprocessableEntity, CodeInvalidDateRange, "membership window violates date ordering", err)
	case "23503": // foreign_key_violation
		recordWriteConflict("foreign_key")
		return newServiceError(http.StatusUnprocessableEntity, CodeNotFound, "referenced team does not exist", err)
	default:
		return newServiceError(http.StatusInternalServerError, "HIERARCHY_INTERNAL", fmt.Sprintf("database error (%s)", pgErr.Code), err)
	}
}
