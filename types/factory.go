package types

import "context"

type Factory interface {
  BuildSessionServer(context.Context) (SessionServer, error)
  BuildTransferClient(context.Context) (TransferClient, error)
  BuildSnapshotCatalog(context.Context) (SnapshotCatalog, error)
  // Returns nil without error when the journal is disabled.
  BuildSessionJournal(context.Context) (SessionJournal, error)
  BuildSessionJournalAdmin(context.Context) (SessionJournalAdmin, error)
}
