package sqlite

import (
	"database/sql"
	"strings"
	"time"

	"jobrepo/internal/repository"
)

// ============================================================================
// Null Type Conversion Helpers
// ============================================================================

// nullToString safely converts sql.NullString to string
func nullToString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// stringToNull safely converts string to sql.NullString
func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeToUnix stores times as unix nanoseconds so they sort and compare in SQL
func timeToUnix(t time.Time) int64 {
	return t.UnixNano()
}

// unixToTime is the inverse of timeToUnix
func unixToTime(ns int64) time.Time {
	return time.Unix(0, ns)
}

// ============================================================================
// Object Row
// ============================================================================

// objectRow holds the scanned columns of one objects table row
type objectRow struct {
	ID        int64
	ClassName sql.NullString
	Category  sql.NullString
	Index     []byte
	Data      []byte
}

// indexScanArgs returns scan targets for SELECT id, classname, category, idx
func (r *objectRow) indexScanArgs() []interface{} {
	return []interface{}{&r.ID, &r.ClassName, &r.Category, &r.Index}
}

// dataScanArgs returns scan targets for SELECT id, classname, category, data
func (r *objectRow) dataScanArgs() []interface{} {
	return []interface{}{&r.ID, &r.ClassName, &r.Category, &r.Data}
}

// toRecord converts the row to a repository record
func (r *objectRow) toRecord() repository.Record {
	return repository.Record{
		ID:        int(r.ID),
		ClassName: nullToString(r.ClassName),
		Category:  nullToString(r.Category),
		Index:     r.Index,
		Data:      r.Data,
	}
}

// recordArgs returns the arguments of the object write statements for rec
func recordArgs(rec repository.Record) []interface{} {
	return []interface{}{rec.ID, stringToNull(rec.ClassName), stringToNull(rec.Category), rec.Index, rec.Data}
}

// ============================================================================
// Session Row
// ============================================================================

// sessionRow holds the scanned columns of one sessions table row
type sessionRow struct {
	ID        sql.NullString
	Host      sql.NullString
	PID       sql.NullInt64
	User      sql.NullString
	Started   sql.NullInt64
	Heartbeat sql.NullInt64
}

func (r *sessionRow) scanArgs() []interface{} {
	return []interface{}{&r.ID, &r.Host, &r.PID, &r.User, &r.Started, &r.Heartbeat}
}

// toInfo converts the row; ok is false when the row is a dangling join
func (r *sessionRow) toInfo() (repository.SessionInfo, bool) {
	if !r.ID.Valid {
		return repository.SessionInfo{}, false
	}
	return repository.SessionInfo{
		ID:        r.ID.String,
		Host:      nullToString(r.Host),
		PID:       int(r.PID.Int64),
		User:      nullToString(r.User),
		Started:   unixToTime(r.Started.Int64),
		Heartbeat: unixToTime(r.Heartbeat.Int64),
	}, true
}

// ============================================================================
// Query Building
// ============================================================================

// maxVars keeps IN lists below SQLite's bound parameter limit
const maxVars = 500

// chunks splits ids into slices of at most maxVars
func chunks(ids []int) [][]int {
	var out [][]int
	for len(ids) > maxVars {
		out = append(out, ids[:maxVars])
		ids = ids[maxVars:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// inClause returns "(?, ?, ...)" and the matching arguments
func inClause(ids []int) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")", args
}
