package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/jmoiron/sqlx"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Relational upserts rows with INSERT ... ON CONFLICT (key) DO UPDATE. The
// key column of every target table must carry a unique constraint.
type Relational struct {
	db *sqlx.DB
}

// NewRelational creates the relational delivery client.
func NewRelational(db *sqlx.DB) *Relational {
	return &Relational{db: db}
}

func (r *Relational) Deliver(ctx context.Context, op domain.Operation) error {
	query, args, err := upsertQuery(op)
	if err != nil {
		return domain.NewRemoteRejection(op.Name, err)
	}

	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		if isConnErr(err) {
			return domain.NewTransportError(op.Name, err)
		}
		return domain.NewRemoteRejection(op.Name, err)
	}
	return nil
}

func upsertQuery(op domain.Operation) (string, []any, error) {
	if !identifier.MatchString(op.Object) {
		return "", nil, fmt.Errorf("invalid table name %q", op.Object)
	}
	if !identifier.MatchString(op.KeyField) {
		return "", nil, fmt.Errorf("invalid key column %q", op.KeyField)
	}

	cols := make([]string, 0, len(op.Fields))
	for c := range op.Fields {
		if c == op.KeyField {
			continue
		}
		if !identifier.MatchString(c) {
			return "", nil, fmt.Errorf("invalid column name %q", c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols)+1)
	args = append(args, op.Key)
	for _, c := range cols {
		v, err := columnValue(op.Fields[c])
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %w", c, err)
		}
		args = append(args, v)
	}

	all := append([]string{op.KeyField}, cols...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		op.Object, strings.Join(all, ", "), placeholders, op.KeyField)

	if len(cols) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
		}
		b.WriteString("DO UPDATE SET " + strings.Join(sets, ", "))
	}

	return b.String(), args, nil
}

// columnValue stores scalars as-is and nested values as JSON text.
func columnValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64:
		return t, nil
	case json.Number:
		return t.String(), nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	}
}

func isConnErr(err error) bool {
	var netErr net.Error
	return errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.As(err, &netErr)
}
