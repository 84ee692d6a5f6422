package aws_dynamodb
// * One item per session, keyed by the session uuid.
// * The json record is kept as a blob, only `identity` is a real column so scans can filter on it.

import (
  "context"
  "errors"
  "fmt"
  "time"

  "btrfs_syncd/session_journal"
  "btrfs_syncd/types"
  "btrfs_syncd/util"

  "github.com/aws/aws-sdk-go-v2/aws"
  dyn_expr "github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
  "github.com/aws/aws-sdk-go-v2/service/dynamodb"
  dyn_types "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
  Uuid_col = "uuid"
  Identity_col = "identity"
  Blob_col = "sessionJson"
  describe_retry_millis = 2000
  dyn_iter_buf_len = 100
)

// The subset of the dynamodb client used.
// Convenient for unittesting purposes.
type usedDynamoDbIf interface {
  CreateTable   (context.Context, *dynamodb.CreateTableInput,    ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
  DescribeTable (context.Context, *dynamodb.DescribeTableInput,  ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
  GetItem       (context.Context, *dynamodb.GetItemInput,        ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
  PutItem       (context.Context, *dynamodb.PutItemInput,        ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
  Scan          (context.Context, *dynamodb.ScanInput,           ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type dynamoJournal struct {
  tabname  string
  client   usedDynamoDbIf
  uuid_col string
  identity_col string
  blob_col string
  iter_buf_len int32
  describe_retry time.Duration
}

func NewJournal(conf *types.Config, aws_conf *aws.Config) (types.SessionJournalAdmin, error) {
  if len(conf.Journal.TableName) < 1 { return nil, fmt.Errorf("%w dynamodb journal needs table_name", types.ErrBadConfig) }
  journal := &dynamoJournal{
    tabname: conf.Journal.TableName,
    client: dynamodb.NewFromConfig(*aws_conf),
    uuid_col: Uuid_col,
    identity_col: Identity_col,
    blob_col: Blob_col,
    iter_buf_len: dyn_iter_buf_len,
    describe_retry: describe_retry_millis * time.Millisecond,
  }
  return journal, nil
}

func (self *dynamoJournal) itemKey(uuid string) map[string]dyn_types.AttributeValue {
  return map[string]dyn_types.AttributeValue{
    self.uuid_col: &dyn_types.AttributeValueMemberS{Value: uuid,},
  }
}

func (self *dynamoJournal) getBlobFromItem(item map[string]dyn_types.AttributeValue) ([]byte, error) {
  abstract_val, found := item[self.blob_col]
  if !found { return nil, types.ErrNotFound }

  switch v := abstract_val.(type) {
    case *dyn_types.AttributeValueMemberB:
      return v.Value, nil
   default:
     return nil, fmt.Errorf("Malformed value for '%v': %v", self.blob_col, v)
  }
}

// Create or overwrite.
func (self *dynamoJournal) RecordSession(ctx context.Context, rec *types.SessionRecord) error {
  blob, err := session_journal.MarshalRecord(rec)
  if err != nil { return err }
  item := self.itemKey(rec.Uuid)
  item[self.identity_col] = &dyn_types.AttributeValueMemberS{Value: rec.Identity,}
  item[self.blob_col] = &dyn_types.AttributeValueMemberB{Value: blob,}
  params := &dynamodb.PutItemInput{
    TableName: &self.tabname,
    Item: item,
  }
  _, err = self.client.PutItem(ctx, params)
  return err
}

func (self *dynamoJournal) ReadSession(ctx context.Context, uuid string) (*types.SessionRecord, error) {
  if len(uuid) < 1 { return nil, fmt.Errorf("ReadSession: uuid is nil") }
  params := &dynamodb.GetItemInput{
    TableName: &self.tabname,
    Key: self.itemKey(uuid),
    ProjectionExpression: &self.blob_col,
    ConsistentRead: aws.Bool(true),
    ReturnConsumedCapacity: dyn_types.ReturnConsumedCapacityNone,
  }
  result, err := self.client.GetItem(ctx, params)
  if err != nil { return nil, err }
  data, err := self.getBlobFromItem(result.Item)
  if errors.Is(err, types.ErrNotFound) { return nil, fmt.Errorf("%w session %s", types.ErrNotFound, uuid) }
  if err != nil { return nil, err }
  return session_journal.UnmarshalRecord(data)
}

// aws dynamodb scan --table-name <table> \
//   --projection-expression '#B' \
//   --filter-expression '#I = :i' \
//   --expression-attribute-names '{"#B":"sessionJson", "#I":"identity"}' \
//   --expression-attribute-values '{":i":{"S":"laptop"}}'
func (self *dynamoJournal) getScanExpression(identity string) dyn_expr.Expression {
  filter := dyn_expr.Name(self.identity_col).Equal(dyn_expr.Value(identity))
  projection := dyn_expr.NamesList(dyn_expr.Name(self.blob_col))
  expr, err := dyn_expr.NewBuilder().WithFilter(filter).WithProjection(projection).Build()
  if err != nil { util.Fatalf("failed building filter predicate: %v", err) }
  return expr
}

func (self *dynamoJournal) ListSessions(ctx context.Context, identity string) ([]*types.SessionRecord, error) {
  expr := self.getScanExpression(identity)
  recs := make([]*types.SessionRecord, 0)
  var token map[string]dyn_types.AttributeValue
  for {
    params := &dynamodb.ScanInput{
      TableName: &self.tabname,
      ExpressionAttributeNames: expr.Names(),
      ExpressionAttributeValues: expr.Values(),
      FilterExpression: expr.Filter(),
      ProjectionExpression: expr.Projection(),
      ConsistentRead: aws.Bool(true),
      ExclusiveStartKey: token,
      Limit: &self.iter_buf_len,
    }
    result, err := self.client.Scan(ctx, params)
    if err != nil { return nil, err }
    for _,item := range result.Items {
      data, err := self.getBlobFromItem(item)
      if err != nil { return nil, err }
      rec, err := session_journal.UnmarshalRecord(data)
      if err != nil { return nil, err }
      recs = append(recs, rec)
    }
    token = result.LastEvaluatedKey
    if len(token) < 1 { break }
  }
  session_journal.SortByStart(recs)
  return recs, nil
}

func (self *dynamoJournal) describeTable(ctx context.Context) (*dyn_types.TableDescription, error) {
  params := &dynamodb.DescribeTableInput{
    TableName: &self.tabname,
  }
  result, err := self.client.DescribeTable(ctx, params)
  if err != nil {
    apiErr := new(dyn_types.ResourceNotFoundException)
    if errors.As(err, &apiErr) { util.Debugf("'%s' does not exist", self.tabname) }
    return nil, err
  }
  return result.Table, nil
}

func (self *dynamoJournal) waitForTableCreation(ctx context.Context) (<-chan error) {
  done := make(chan error, 1)
  go func() {
    defer close(done)
    ticker := time.NewTicker(self.describe_retry)
    defer ticker.Stop()

    for {
      select {
        case <-ticker.C:
          result, err := self.describeTable(ctx)
          if err != nil {
            done <- err
            return
          }
          if result.TableStatus == dyn_types.TableStatusActive {
            done <- nil
            return
          }
          if result.TableStatus != dyn_types.TableStatusCreating {
            done <- fmt.Errorf("Unexpected status while waiting for table creation: %v", result.TableStatus)
            return
          }
        case <-ctx.Done():
          done <- fmt.Errorf("Timedout while waiting for table creation")
          return
      }
    }
  }()
  return done
}

func (self *dynamoJournal) SetupJournal(ctx context.Context) (<-chan error) {
  attrs := []dyn_types.AttributeDefinition{
    dyn_types.AttributeDefinition{
      AttributeName: &self.uuid_col,
      AttributeType: dyn_types.ScalarAttributeTypeS,
    },
  }
  schema := []dyn_types.KeySchemaElement{
    dyn_types.KeySchemaElement{
      AttributeName: &self.uuid_col,
      KeyType: dyn_types.KeyTypeHash,
    },
  }
  params := &dynamodb.CreateTableInput{
    TableName: &self.tabname,
    AttributeDefinitions: attrs,
    KeySchema: schema,
    BillingMode: dyn_types.BillingModePayPerRequest,
  }

  result, err := self.client.CreateTable(ctx, params)
  if err != nil {
    apiErr := new(dyn_types.ResourceInUseException)
    if errors.As(err, &apiErr) {
      util.Infof("Table '%s' already exists", self.tabname)
      return util.WrapInChan(nil)
    }
    return util.WrapInChan(err)
  }
  if result.TableDescription.TableStatus == dyn_types.TableStatusActive {
    return util.WrapInChan(nil)
  }
  return self.waitForTableCreation(ctx)
}
