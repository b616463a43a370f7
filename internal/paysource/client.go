package paysource

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// Payment is one confirmed graduation fee movement joined with the payer.
type Payment struct {
	RemoteID  string
	FirstName string
	LastName  string
	Email     string
	Career    string
	Cedula    string
	PaidAt    time.Time
}

// Config locates the payment database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Timeout  time.Duration
	Location *time.Location
}

// DSN renders the driver connection string.
func (c Config) DSN() string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.Loc = c.Location
	if mc.Loc == nil {
		mc.Loc = time.UTC
	}
	mc.Timeout = c.Timeout
	mc.ReadTimeout = c.Timeout
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Client reads the external payment database. It never writes.
type Client struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// Open connects with up to three attempts and exponential backoff.
func Open(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*Client, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open payment source: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	delay := time.Second
	for attempt := 1; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		if attempt == 3 {
			_ = db.Close()
			return nil, fmt.Errorf("connect payment source: %w", err)
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("payment source unreachable, retrying")
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return New(db, logger), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, logger logrus.FieldLogger) *Client {
	return &Client{db: db, logger: logger}
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// maxPayments bounds one fetch.
const maxPayments = 5000

// FetchPayments returns confirmed graduation payments made at or after
// since, ordered by student and then newest payment first.
func (c *Client) FetchPayments(ctx context.Context, since time.Time) ([]Payment, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT e.IDEstudiante, e.Nombres, e.Apellidos, COALESCE(e.EMail, ''),
			COALESCE(csd.CodPrograma, ''), COALESCE(e.Cedula, ''), cm.DT
		FROM Estudiantes e
		JOIN CuentaMovimiento cm ON cm.IDCuentaVirtual = e.IDEstudiante
		LEFT JOIN CuentaSolicitudDetalle csd
			ON csd.IDCuentaVirtual = e.IDEstudiante AND csd.CodCuentaOperacion = cm.CodCuentaOperacion
		WHERE cm.CodCuentaOperacion LIKE 'ACT%'
		  AND cm.Confirmado = 1
		  AND cm.DT >= ?
		ORDER BY e.IDEstudiante, cm.DT DESC
		LIMIT ?
	`, since, maxPayments)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.RemoteID, &p.FirstName, &p.LastName, &p.Email, &p.Career, &p.Cedula, &p.PaidAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.Email = strings.TrimSpace(p.Email)
		p.Cedula = strings.TrimSpace(p.Cedula)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == maxPayments {
		c.logger.WithField("limit", maxPayments).Warn("payment fetch hit its row limit")
	}
	return out, nil
}

// Profile columns checked for a secondary address, in order of preference.
var preferredEmailColumns = []string{"Correo", "Email", "CorreoAlterno", "CorreoPersonal"}

// SecondaryEmails looks up profile addresses for the given students. The
// profile table differs between deployments, so any column whose name
// mentions an email is accepted.
func (c *Client) SecondaryEmails(ctx context.Context, remoteIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(remoteIDs))
	if len(remoteIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(remoteIDs))
	for i, id := range remoteIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(remoteIDs)), ",")
	rows, err := c.db.QueryContext(ctx, `SELECT * FROM Perfil WHERE IDUsuario IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		row := make(map[string]string, len(cols))
		for i, col := range cols {
			row[col] = strings.TrimSpace(values[i].String)
		}
		id := row["IDUsuario"]
		if email := pickEmail(cols, row); id != "" && email != "" {
			if _, seen := out[id]; !seen {
				out[id] = email
			}
		}
	}
	return out, rows.Err()
}

func pickEmail(cols []string, row map[string]string) string {
	for _, col := range preferredEmailColumns {
		if v := row[col]; v != "" {
			return v
		}
	}
	for _, col := range cols {
		lower := strings.ToLower(col)
		if (strings.Contains(lower, "correo") || strings.Contains(lower, "email")) && row[col] != "" {
			return row[col]
		}
	}
	return ""
}
