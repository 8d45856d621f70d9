package repository

import (
	"github.com/omni/cctp-relayer/db"
	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/repository/postgres"
)

type Repo struct {
	LogsCursors entity.LogsCursorsRepo
	Logs        entity.LogsRepo
	Transfers   entity.TransfersRepo
}

func NewRepo(db *db.DB) *Repo {
	return &Repo{
		LogsCursors: postgres.NewLogsCursorRepo("logs_cursors", db),
		Logs:        postgres.NewLogsRepo("logs", db),
		Transfers:   postgres.NewTransfersRepo("transfers", db),
	}
}
