package system

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
)

// SystemdManager controls units over the systemd D-Bus API.
type SystemdManager struct {
	Logger *slog.Logger

	conn *sddbus.Conn
}

var _ ServiceManager = (*SystemdManager)(nil)

// NewSystemdManager connects to the system bus. The caller owns the
// connection and must Close it.
func NewSystemdManager(ctx context.Context, logger *slog.Logger) (*SystemdManager, error) {
	conn, err := sddbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &SystemdManager{Logger: logger, conn: conn}, nil
}

func (m *SystemdManager) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

func (m *SystemdManager) Enable(ctx context.Context, unit string) error {
	if err := m.EnableOnly(ctx, unit); err != nil {
		return err
	}
	return m.Start(ctx, unit)
}

func (m *SystemdManager) EnableOnly(ctx context.Context, unit string) error {
	m.logger().Debug("enabling unit", "unit", unit)
	if _, _, err := m.conn.EnableUnitFilesContext(ctx, []string{unit}, false, true); err != nil {
		return fmt.Errorf("enable %s: %w", unit, err)
	}
	if err := m.conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("reload unit files: %w", err)
	}
	return nil
}

func (m *SystemdManager) Start(ctx context.Context, unit string) error {
	m.logger().Debug("starting unit", "unit", unit)

	done := make(chan string, 1)
	if _, err := m.conn.StartUnitContext(ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("start %s: %w", unit, err)
	}

	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("start %s: job finished as %q", unit, result)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *SystemdManager) IsEnabled(ctx context.Context, unit string) (bool, error) {
	prop, err := m.conn.GetUnitPropertyContext(ctx, unit, "UnitFileState")
	if err != nil {
		// Unknown unit files surface as an error; report not enabled.
		return false, nil
	}
	state, _ := prop.Value.Value().(string)
	return state == "enabled" || state == "static", nil
}

func (m *SystemdManager) IsActive(ctx context.Context, unit string) (bool, error) {
	prop, err := m.conn.GetUnitPropertyContext(ctx, unit, "ActiveState")
	if err != nil {
		return false, fmt.Errorf("query %s: %w", unit, err)
	}
	state, _ := prop.Value.Value().(string)
	return strings.TrimSpace(state) == "active", nil
}

func (m *SystemdManager) logger() *slog.Logger {
	if m != nil && m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
