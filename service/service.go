package service

import (
	"fmt"
	"path"

	"github.com/SierraSoftworks/connor"

	"github.com/fulldump/framedb/database"
	"github.com/fulldump/framedb/utils"
)

type Service struct {
	db        *database.Database
	backupDir string
	version   string
}

// NewService exposes db. Backups requested through it are written below
// backupDir.
func NewService(db *database.Database, backupDir, version string) *Service {
	return &Service{
		db:        db,
		backupDir: backupDir,
		version:   version,
	}
}

type Status struct {
	Version        string             `json:"version"`
	Status         string             `json:"status"`
	Frame          uint64             `json:"frame"`
	BackupInFlight bool               `json:"backup_in_flight"`
	LastBackup     *database.Manifest `json:"last_backup,omitempty"`
	Types          int                `json:"types"`
}

func (s *Service) Status() *Status {
	stats := s.db.Stats()
	return &Status{
		Version:        s.version,
		Status:         stats.Status,
		Frame:          stats.Frame,
		BackupInFlight: stats.BackupInFlight,
		LastBackup:     stats.LastBackup,
		Types:          len(stats.Types),
	}
}

func (s *Service) ListTypes() []database.TypeInfo {
	return s.db.Types()
}

func (s *Service) GetType(typeID string) (database.TypeInfo, error) {
	return s.db.TypeInfo(typeID)
}

type FindQuery struct {
	Mode       string `json:"mode"`
	Index      string `json:"index"`
	Value      any    `json:"value"`
	From       any    `json:"from"`
	To         any    `json:"to"`
	Filter     JSON   `json:"filter"`
	Skip       int64  `json:"skip"`
	Limit      int64  `json:"limit"`
	FrameDelay uint64 `json:"frame_delay"`
}

func NewFindQuery() *FindQuery {
	return &FindQuery{
		Mode:       "fullscan",
		Filter:     JSON{},
		Skip:       0,
		Limit:      1,
		FrameDelay: 1,
	}
}

// Find calls f with every row matching query, as a JSON object with its id
// under "_id". A negative limit means no limit.
//
// Mode "fullscan" visits the rows in id order. Mode "index" visits, in index
// order, the rows whose indexed field equals Value or, when Value is not set,
// falls between From and To (both inclusive, missing ones are open).
func (s *Service) Find(typeID string, query *FindQuery, f func(row JSON) error) error {

	hasFilter := len(query.Filter) > 0
	skip := query.Skip
	limit := query.Limit

	var lastErr error
	visit := func(id uint64, row any) bool {

		if limit == 0 {
			return false
		}

		rowData := JSON{}
		lastErr = utils.Remarshal(row, &rowData)
		if lastErr != nil {
			lastErr = fmt.Errorf("encode row %d: %w", id, lastErr)
			return false
		}

		if hasFilter {
			match, err := connor.Match(query.Filter, rowData)
			if err != nil {
				lastErr = fmt.Errorf("match: %w", err)
				return false
			}
			if !match {
				return true
			}
		}

		if skip > 0 {
			skip--
			return true
		}

		limit--
		rowData["_id"] = id
		lastErr = f(rowData)
		return lastErr == nil
	}

	var err error
	switch query.Mode {
	case "", "fullscan":
		err = s.db.Find(typeID, query.FrameDelay, visit)
	case "index":
		from, to := query.From, query.To
		if query.Value != nil {
			from, to = query.Value, query.Value
		}
		err = s.db.FindBy(typeID, query.Index, from, to, query.FrameDelay, visit)
	default:
		err = fmt.Errorf("mode '%s': %w", query.Mode, database.ErrBadQuery)
	}
	if err != nil {
		return err
	}

	return lastErr
}

// RequestBackup starts a backup into the directory name below the backup
// root and returns that directory.
func (s *Service) RequestBackup(name string) (string, error) {
	dir := path.Join(s.backupDir, path.Clean("/"+name))
	if !s.db.RequestBackup(dir) {
		return "", ErrorBackupInFlight
	}
	return dir, nil
}
