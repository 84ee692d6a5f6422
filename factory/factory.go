package factory

import (
  "context"
  "fmt"

  "btrfs_syncd/pipeline"
  "btrfs_syncd/session_journal/aws_dynamodb"
  "btrfs_syncd/session_journal/aws_s3"
  "btrfs_syncd/session_journal/local_fs"
  "btrfs_syncd/shim"
  "btrfs_syncd/transport"
  "btrfs_syncd/types"
  "btrfs_syncd/util"
  "btrfs_syncd/volume_source"
  "btrfs_syncd/workflow/session_server"
  "btrfs_syncd/workflow/transfer_client"
)

type factory struct {
  conf *types.Config
}

func NewFactory(conf *types.Config) (types.Factory, error) {
  if conf == nil { return nil, fmt.Errorf("%w nil config", types.ErrBadConfig) }
  return &factory{ conf: conf, }, nil
}

func (self *factory) BuildSessionJournalAdmin(ctx context.Context) (types.SessionJournalAdmin, error) {
  switch self.conf.Journal.Type {
    case types.JournalAwsDynamoDb:
      aws_conf, err := util.NewAwsConfig(ctx, self.conf)
      if err != nil { return nil, err }
      return aws_dynamodb.NewJournal(self.conf, aws_conf)
    case types.JournalAwsS3:
      aws_conf, err := util.NewAwsConfig(ctx, self.conf)
      if err != nil { return nil, err }
      return aws_s3.NewJournal(self.conf, aws_conf)
  }
  return nil, fmt.Errorf("%w journal '%s' needs no setup", types.ErrBadConfig, self.conf.Journal.Type)
}

func (self *factory) BuildSessionJournal(ctx context.Context) (types.SessionJournal, error) {
  switch self.conf.Journal.Type {
    case "", types.JournalNone:
      return nil, nil
    case types.JournalLocalFs:
      return local_fs.NewJournal(self.conf)
    case types.JournalAwsDynamoDb, types.JournalAwsS3:
      return self.BuildSessionJournalAdmin(ctx)
  }
  return nil, fmt.Errorf("%w unknown journal type '%s'", types.ErrBadConfig, self.conf.Journal.Type)
}

func (self *factory) BuildSnapshotCatalog(ctx context.Context) (types.SnapshotCatalog, error) {
  btrfsutil, err := shim.NewBtrfsutil(self.conf)
  if err != nil { return nil, err }
  return volume_source.NewSnapshotCatalog(btrfsutil)
}

func (self *factory) BuildSessionServer(ctx context.Context) (types.SessionServer, error) {
  if err := util.ValidateServerConfig(self.conf); err != nil { return nil, err }
  tls_mat, err := transport.LoadMaterial(self.conf)
  if err != nil { return nil, err }
  lu, err := shim.NewLinuxutil(self.conf)
  if err != nil { return nil, err }
  shim.CheckHost(lu, "btrfs receive")
  btrfsutil, err := shim.NewBtrfsutil(self.conf)
  if err != nil { return nil, err }
  pipe, err := pipeline.NewPipeline(self.conf)
  if err != nil { return nil, err }
  journal, err := self.BuildSessionJournal(ctx)
  if err != nil { return nil, err }
  authorizer := session_server.NewPathTableAuthorizer(self.conf.Server.Paths)
  return session_server.NewSessionServer(self.conf, tls_mat, authorizer, btrfsutil, pipe, journal)
}

func (self *factory) BuildTransferClient(ctx context.Context) (types.TransferClient, error) {
  if err := util.ValidateClientConfig(self.conf); err != nil { return nil, err }
  tls_mat, err := transport.LoadMaterial(self.conf)
  if err != nil { return nil, err }
  lu, err := shim.NewLinuxutil(self.conf)
  if err != nil { return nil, err }
  btrfsutil, err := shim.NewBtrfsutil(self.conf)
  if err != nil { return nil, err }
  catalog, err := volume_source.NewSnapshotCatalog(btrfsutil)
  if err != nil { return nil, err }
  pipe, err := pipeline.NewPipeline(self.conf)
  if err != nil { return nil, err }
  return transfer_client.NewTransferClient(self.conf, tls_mat, catalog, btrfsutil, lu, pipe)
}
