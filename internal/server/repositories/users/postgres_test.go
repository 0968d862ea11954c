package users

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/duckpass/duckpass/internal/common"
	"github.com/duckpass/duckpass/internal/dbx"
	"github.com/duckpass/duckpass/internal/server/models"
	"github.com/jackc/pgx/v5/pgconn"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

var userRowColumns = []string{"id", "email", "key_hash", "salt", "symmetric_key_encrypted",
	"has_two_factor_auth", "two_factor_auth", "verified", "vault", "created_at"}

const (
	selectQuery = `(?s)^SELECT\s+id,\s*email,.*created_at\s+FROM\s+users\s+WHERE\s+email\s*=\s*\$1\s*$`
	insertQuery = `(?s)^INSERT\s+INTO\s+users\s*\(id,\s*email,\s*key_hash,\s*salt,\s*symmetric_key_encrypted,\s*two_factor_auth\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6\)\s*RETURNING\s+created_at\s*$`
)

func TestGetUserByEmail_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := sqlmock.NewRows(userRowColumns).
		AddRow(int64(42), "alice@x.io", "aGFzaA==", "c2FsdA==", "sym", false, "0", true, nil, created)
	mock.ExpectQuery(selectQuery).WithArgs("alice@x.io").WillReturnRows(rows)

	got, err := repo.GetUserByEmail(context.Background(), "alice@x.io")
	if err != nil {
		t.Fatalf("GetUserByEmail error: %v", err)
	}
	if got.ID != 42 || got.Email != "alice@x.io" || !got.Verified || got.Vault != nil || !got.CreatedAt.Equal(created) {
		t.Fatalf("unexpected user: %+v", got)
	}
	if got.HasTwoFactorAuth || got.TwoFactorAuth != common.TwoFactorDisabledSecret {
		t.Fatalf("unexpected 2fa state: %+v", got)
	}
}

func TestGetUserByEmail_WithVault(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows(userRowColumns).
		AddRow(int64(7), "bob@x.io", "h", "s", "sym", true, "JBSWY3DPEHPK3PXP", true, []byte("blob"), time.Now())
	mock.ExpectQuery(selectQuery).WithArgs("bob@x.io").WillReturnRows(rows)

	got, err := repo.GetUserByEmail(context.Background(), "bob@x.io")
	if err != nil {
		t.Fatalf("GetUserByEmail error: %v", err)
	}
	if string(got.Vault) != "blob" || !got.HasTwoFactorAuth || got.TwoFactorAuth != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestGetUserByEmail_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(selectQuery).WithArgs("ghost@x.io").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetUserByEmail(context.Background(), "ghost@x.io")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestGetUserByEmail_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(selectQuery).WithArgs("alice@x.io").WillReturnError(errors.New("db err"))

	_, err := repo.GetUserByEmail(context.Background(), "alice@x.io")
	if err == nil || !regexp.MustCompile(`db error: .*db err`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Now().UTC()
	mock.ExpectQuery(insertQuery).
		WithArgs(int64(99), "alice@x.io", "hash", "salt", "sym", "0").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	u := &models.User{ID: 99, Email: "alice@x.io", KeyHash: "hash", Salt: "salt", SymmetricKeyEncrypted: "sym", Verified: true}
	got, err := repo.Create(context.Background(), u)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if got.Verified || got.HasTwoFactorAuth || got.TwoFactorAuth != "0" || !got.CreatedAt.Equal(created) {
		t.Fatalf("new users start unverified without 2fa: %+v", got)
	}
}

func TestCreate_UniqueViolationIsClassifiable(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(insertQuery).
		WithArgs(int64(1), "alice@x.io", "h", "s", "k", "0").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"})

	_, err := repo.Create(context.Background(), &models.User{ID: 1, Email: "alice@x.io", KeyHash: "h", Salt: "s", SymmetricKeyEncrypted: "k"})
	if !errors.Is(dbx.Classify(err), common.ErrorAlreadyExists) {
		t.Fatalf("expected duplicate email to classify as ErrorAlreadyExists, got %v", err)
	}
}

func TestUpdates(t *testing.T) {
	tests := []struct {
		name  string
		query string
		args  []any
		call  func(r *PostgresRepository) error
	}{
		{
			name:  "credentials",
			query: `(?s)^UPDATE\s+users\s+SET\s+key_hash\s*=\s*\$2,\s*symmetric_key_encrypted\s*=\s*\$3,\s*salt\s*=\s*\$4\s+WHERE\s+email\s*=\s*\$1\s*$`,
			args:  []any{"a@x.io", "kh", "sym", "salt"},
			call: func(r *PostgresRepository) error {
				return r.UpdateCredentials(context.Background(), "a@x.io", "kh", "sym", "salt")
			},
		},
		{
			name:  "email",
			query: `(?s)^UPDATE\s+users\s+SET\s+email\s*=\s*\$2\s+WHERE\s+email\s*=\s*\$1\s*$`,
			args:  []any{"a@x.io", "b@x.io"},
			call: func(r *PostgresRepository) error {
				return r.UpdateEmail(context.Background(), "a@x.io", "b@x.io")
			},
		},
		{
			name:  "vault",
			query: `(?s)^UPDATE\s+users\s+SET\s+vault\s*=\s*\$2\s+WHERE\s+email\s*=\s*\$1\s*$`,
			args:  []any{"a@x.io", []byte("v")},
			call: func(r *PostgresRepository) error {
				return r.UpdateVault(context.Background(), "a@x.io", []byte("v"))
			},
		},
		{
			name:  "two factor enable",
			query: `(?s)^UPDATE\s+users\s+SET\s+two_factor_auth\s*=\s*\$2,\s*has_two_factor_auth\s*=\s*\$3\s+WHERE\s+email\s*=\s*\$1\s*$`,
			args:  []any{"a@x.io", "SECRET", true},
			call: func(r *PostgresRepository) error {
				return r.UpdateTwoFactor(context.Background(), "a@x.io", "SECRET", true)
			},
		},
		{
			name:  "two factor disable writes sentinel",
			query: `(?s)^UPDATE\s+users\s+SET\s+two_factor_auth\s*=\s*\$2,\s*has_two_factor_auth\s*=\s*\$3\s+WHERE\s+email\s*=\s*\$1\s*$`,
			args:  []any{"a@x.io", "0", false},
			call: func(r *PostgresRepository) error {
				return r.UpdateTwoFactor(context.Background(), "a@x.io", "SECRET", false)
			},
		},
		{
			name:  "delete",
			query: `(?s)^DELETE\s+FROM\s+users\s+WHERE\s+email\s*=\s*\$1\s*$`,
			args:  []any{"a@x.io"},
			call: func(r *PostgresRepository) error {
				return r.Delete(context.Background(), "a@x.io")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock, db := newRepoWithMock(t)
			defer db.Close()

			mock.ExpectExec(tt.query).WithArgs(toDriverValues(tt.args)...).WillReturnResult(sqlmock.NewResult(0, 1))

			if err := tt.call(repo); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestUpdate_NoRows(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^UPDATE\s+users\s+SET\s+vault`).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := repo.UpdateVault(context.Background(), "ghost@x.io", nil); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want ErrorNotFound, got %v", err)
	}
}

const verifyQuery = `(?s)^WITH\s+target\s+AS.*UPDATE\s+users\s+SET\s+verified\s*=\s*TRUE\s+WHERE\s+email\s*=\s*\$1\s+AND\s+verified\s*=\s*FALSE.*SELECT\s+EXISTS.*target.*EXISTS.*flipped`

func TestUpdateVerified(t *testing.T) {
	tests := []struct {
		name    string
		found   bool
		flipped bool
		wantErr error
	}{
		{name: "flips unverified account", found: true, flipped: true},
		{name: "already verified", found: true, flipped: false, wantErr: common.ErrAlreadyVerified},
		{name: "account deleted meanwhile", found: false, flipped: false, wantErr: common.ErrorNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock, db := newRepoWithMock(t)
			defer db.Close()

			mock.ExpectQuery(verifyQuery).
				WithArgs("a@x.io").
				WillReturnRows(sqlmock.NewRows([]string{"found", "flipped"}).AddRow(tt.found, tt.flipped))

			err := repo.UpdateVerified(context.Background(), "a@x.io")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("UpdateVerified error = %v, want %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestExists(t *testing.T) {
	for _, want := range []bool{true, false} {
		repo, mock, db := newRepoWithMock(t)

		mock.ExpectQuery(`(?s)^SELECT\s+EXISTS\s*\(SELECT\s+1\s+FROM\s+users\s+WHERE\s+id\s*=\s*\$1\)$`).
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(want))

		got, err := repo.Exists(context.Background(), 42)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Fatalf("Exists = %v, want %v", got, want)
		}
		db.Close()
	}
}

func TestUpdate_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+users`).WillReturnError(errors.New("db down"))

	err := repo.Delete(context.Background(), "a@x.io")
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func toDriverValues(args []any) []driver.Value {
	out := make([]driver.Value, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}
