package service

import (
	"errors"

	"github.com/fulldump/framedb/database"
)

var ErrorBackupInFlight = errors.New("backup rejected: another one is in flight or the database is not operating")

type JSON = map[string]interface{}

type Servicer interface {
	Status() *Status
	ListTypes() []database.TypeInfo
	GetType(typeID string) (database.TypeInfo, error)
	Find(typeID string, query *FindQuery, f func(row JSON) error) error
	RequestBackup(name string) (string, error)
}
