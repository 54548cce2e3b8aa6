// Package option provides composable query modifiers for the generic store.
package option

import (
	"fmt"
	"strconv"
	"time"

	"github.com/clariva/metering/pkg/db/pagination"
	"gorm.io/gorm"
)

type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type queryOptionFunc func(*gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination applies cursor pagination. It fetches one extra row so the
// caller can detect whether more pages exist.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		size := p.PageSize
		if size <= 0 {
			size = 10
		}
		if p.PageToken != "" {
			cursor, err := pagination.DecodeCursor(p.PageToken)
			if err == nil && cursor != nil && cursor.CreatedAt != "" {
				if ts, parseErr := time.Parse(time.RFC3339Nano, cursor.CreatedAt); parseErr == nil {
					// Rows sharing a timestamp are split by id so none are
					// skipped across a page boundary.
					if id, idErr := strconv.ParseInt(cursor.ID, 10, 64); idErr == nil {
						db = db.Where("created_at < ? OR (created_at = ? AND id < ?)", ts, ts, id)
					} else {
						db = db.Where("created_at < ?", ts)
					}
				}
			}
		}
		return db.Limit(size + 1)
	})
}

// QuerySortBy restricts ordering to an allow-listed column.
type QuerySortBy struct {
	Allow map[string]bool
	Field string
	Desc  bool
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		field := sort.Field
		if field == "" || !sort.Allow[field] {
			field = "created_at"
		}
		direction := "DESC"
		if !sort.Desc && sort.Field != "" {
			direction = "ASC"
		}
		// id breaks ties so cursor pages walk a stable order.
		return db.Order(fmt.Sprintf("%s %s, id %s", field, direction, direction))
	})
}

// WithTimeRange bounds a timestamp column to [from, to).
func WithTimeRange(column string, from, to time.Time) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if !from.IsZero() {
			db = db.Where(column+" >= ?", from)
		}
		if !to.IsZero() {
			db = db.Where(column+" < ?", to)
		}
		return db
	})
}
