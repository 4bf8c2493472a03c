// Package version хранит сведения о сборке, проставляемые через -ldflags.
package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// go build -ldflags "-X github.com/vladislavdragonenkov/fulfillment/internal/version.version=v1.2.3 ..."
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build — версия, коммит и дата сборки.
type Build struct {
	Version string
	Commit  string
	Date    string
}

// Current возвращает сведения о текущей сборке.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}

// Fields — поля для стартовой записи лога.
func (b Build) Fields() log.Fields {
	return log.Fields{"version": b.Version, "commit": b.Commit, "build_date": b.Date}
}

// ClientID формирует client.id для брокера: "<service>/<version>".
func ClientID(service string) string {
	if service == "" {
		service = "fulfillment"
	}
	return service + "/" + version
}
