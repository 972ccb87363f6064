//go:build !sqlite

package storage

func newSQLiteStore(_ string) (Store, error) {
	return nil, ErrSQLiteUnavailable
}
