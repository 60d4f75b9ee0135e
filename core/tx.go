package core

import "context"

// Transaction executes fn within a transaction. It commits when fn returns nil
// and rolls back when fn returns an error or panics; a panic is re-raised once
// the connection is back. When fn fails its error is returned even if the
// rollback fails too.
func (m *Manager) Transaction(ctx context.Context, fn func(c *Conn) error) error {
	c, err := m.GetTransactionConnection(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = m.ExitTransaction(ctx, c, false)
			panic(p)
		}
	}()

	if err := fn(c); err != nil {
		if rerr := m.ExitTransaction(ctx, c, false); rerr != nil {
			m.log(ctx).Debug("rollback after failed transaction on %s: %v", c.ID(), rerr)
		}
		return err
	}
	return m.ExitTransaction(ctx, c, true)
}
