package sqlite

import "context"

// Exec runs raw SQL against the underlying database. Tests use it to
// simulate rows written by something other than this store.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
