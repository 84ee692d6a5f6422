package aws_s3

import (
  "bytes"
  "context"
  "errors"
  "fmt"
  "io"
  "strings"
  "time"

  "btrfs_syncd/session_journal"
  "btrfs_syncd/types"
  "btrfs_syncd/util"

  "github.com/aws/aws-sdk-go-v2/aws"
  "github.com/aws/aws-sdk-go-v2/service/s3"
  s3_types "github.com/aws/aws-sdk-go-v2/service/s3/types"
  "github.com/aws/aws-sdk-go-v2/service/sts"
  "github.com/aws/smithy-go"
)

const (
  SessionsDir = "sessions/"
  IdentityDir = "by_identity/"
  RecordSuffix = ".json"
  bucket_wait_secs = 60
  list_page_len = 1000
)

// The subset of the s3 client used.
// Convenient for unittesting purposes.
type usedS3If interface {
  CreateBucket (context.Context, *s3.CreateBucketInput,  ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
  GetObject    (context.Context, *s3.GetObjectInput,     ...func(*s3.Options)) (*s3.GetObjectOutput, error)
  HeadBucket   (context.Context, *s3.HeadBucketInput,    ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
  ListObjectsV2(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
  PutObject    (context.Context, *s3.PutObjectInput,     ...func(*s3.Options)) (*s3.PutObjectOutput, error)
  PutPublicAccessBlock(context.Context, *s3.PutPublicAccessBlockInput, ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
}

// Each session is stored under `<prefix>sessions/<uuid>.json`.
// An empty marker object `<prefix>by_identity/<identity>/<uuid>` lets sessions be listed per peer.
type s3Journal struct {
  bucket      string
  prefix      string
  region      string
  client      usedS3If
  sts_client  util.UsedStsIf
  bucket_wait time.Duration
  page_len    int32
  account_id  string
}

func NewJournal(conf *types.Config, aws_conf *aws.Config) (types.SessionJournalAdmin, error) {
  if len(conf.Journal.Bucket) < 1 { return nil, fmt.Errorf("%w s3 journal needs bucket", types.ErrBadConfig) }
  journal := &s3Journal{
    bucket: conf.Journal.Bucket,
    prefix: conf.Journal.Prefix,
    region: conf.Aws.Region,
    client: s3.NewFromConfig(*aws_conf),
    sts_client: sts.NewFromConfig(*aws_conf),
    bucket_wait: bucket_wait_secs * time.Second,
    page_len: list_page_len,
  }
  return journal, nil
}

func StrToApiErr(code string) smithy.APIError {
  return &smithy.GenericAPIError{ Code: code, }
}

// Compares error codes, the sdk does not always return the modeled error type.
func IsS3Error(err_to_compare smithy.APIError, err error) bool {
  if err == nil { return false }
  var ae smithy.APIError
  if !errors.As(err, &ae) { return false }
  return ae.ErrorCode() == err_to_compare.ErrorCode()
}

func (self *s3Journal) sessionKey(uuid string) string {
  return self.prefix + SessionsDir + uuid + RecordSuffix
}
func (self *s3Journal) identityPrefix(identity string) string {
  return self.prefix + IdentityDir + identity + "/"
}

func (self *s3Journal) putObject(ctx context.Context, key string, data []byte) error {
  put_in := &s3.PutObjectInput{
    Bucket: &self.bucket,
    Key: &key,
    Body: bytes.NewReader(data),
    ContentType: aws.String("application/json"),
  }
  _, err := self.client.PutObject(ctx, put_in)
  return err
}

func (self *s3Journal) RecordSession(ctx context.Context, rec *types.SessionRecord) error {
  data, err := session_journal.MarshalRecord(rec)
  if err != nil { return err }
  if err = self.putObject(ctx, self.sessionKey(rec.Uuid), data); err != nil { return err }
  // Sessions refused during the tls handshake cannot be listed by identity.
  if len(rec.Identity) < 1 { return nil }
  return self.putObject(ctx, self.identityPrefix(rec.Identity) + rec.Uuid, nil)
}

func (self *s3Journal) ReadSession(ctx context.Context, uuid string) (*types.SessionRecord, error) {
  if len(uuid) < 1 || strings.Contains(uuid, "/") { return nil, fmt.Errorf("ReadSession bad uuid: '%s'", uuid) }
  get_in := &s3.GetObjectInput{
    Bucket: &self.bucket,
    Key: aws.String(self.sessionKey(uuid)),
  }
  get_out, err := self.client.GetObject(ctx, get_in)
  if IsS3Error(new(s3_types.NoSuchKey), err) || IsS3Error(new(s3_types.NotFound), err) {
    return nil, fmt.Errorf("%w session %s", types.ErrNotFound, uuid)
  }
  if err != nil { return nil, err }
  defer get_out.Body.Close()
  data, err := io.ReadAll(get_out.Body)
  if err != nil { return nil, err }
  return session_journal.UnmarshalRecord(data)
}

func (self *s3Journal) listUuids(ctx context.Context, identity string) ([]string, error) {
  prefix := self.identityPrefix(identity)
  var uuids []string
  var token *string
  for {
    list_in := &s3.ListObjectsV2Input{
      Bucket: &self.bucket,
      Prefix: &prefix,
      ContinuationToken: token,
      MaxKeys: self.page_len,
    }
    list_out, err := self.client.ListObjectsV2(ctx, list_in)
    if err != nil { return nil, err }
    for _,obj := range list_out.Contents {
      uuids = append(uuids, strings.TrimPrefix(*obj.Key, prefix))
    }
    token = list_out.NextContinuationToken
    if token == nil { break }
  }
  return uuids, nil
}

func (self *s3Journal) ListSessions(ctx context.Context, identity string) ([]*types.SessionRecord, error) {
  if len(identity) < 1 || strings.Contains(identity, "/") {
    return nil, fmt.Errorf("ListSessions bad identity: '%s'", identity)
  }
  uuids, err := self.listUuids(ctx, identity)
  if err != nil { return nil, err }
  recs := make([]*types.SessionRecord, 0, len(uuids))
  for _,uuid := range uuids {
    rec, err := self.ReadSession(ctx, uuid)
    if errors.Is(err, types.ErrNotFound) {
      util.Warnf("Dangling identity marker for session %s", uuid)
      continue
    }
    if err != nil { return nil, err }
    recs = append(recs, rec)
  }
  session_journal.SortByStart(recs)
  return recs, nil
}

func (self *s3Journal) getAccountId(ctx context.Context) (*string, error) {
  if len(self.account_id) < 1 {
    account_id, err := util.GetAccountId(ctx, self.sts_client)
    if err != nil { return nil, err }
    self.account_id = account_id
  }
  return &self.account_id, nil
}

// Returns false if the bucket does not exist.
func (self *s3Journal) checkBucketExistsAndIsOwnedByMyAccount(ctx context.Context) (bool, error) {
  account_id, err := self.getAccountId(ctx)
  if err != nil { return false, err }
  head_in := &s3.HeadBucketInput{
    Bucket: &self.bucket,
    ExpectedBucketOwner: account_id,
  }
  _, err = self.client.HeadBucket(ctx, head_in)
  if IsS3Error(new(s3_types.NotFound), err) || IsS3Error(new(s3_types.NoSuchBucket), err) {
    util.Debugf("Bucket '%s' does not exist", self.bucket)
    return false, nil
  }
  if err != nil { return false, err }
  return true, nil
}

func (self *s3Journal) locationConstraint() (s3_types.BucketLocationConstraint, error) {
  for _,region := range s3_types.BucketLocationConstraintEu.Values() {
    if string(region) == self.region { return region, nil }
  }
  return "", fmt.Errorf("%w region '%s' does not match any location constraint", types.ErrBadConfig, self.region)
}

// Bucket creation parameters:
// * no server side encryption
// * no object lock
// * block all public access
func (self *s3Journal) createBucket(ctx context.Context) error {
  location, err := self.locationConstraint()
  if err != nil { return err }
  create_in := &s3.CreateBucketInput{
    Bucket: &self.bucket,
    ACL: s3_types.BucketCannedACLPrivate,
    CreateBucketConfiguration: &s3_types.CreateBucketConfiguration{
      LocationConstraint: location,
    },
    ObjectLockEnabledForBucket: false,
  }
  if _, err = self.client.CreateBucket(ctx, create_in); err != nil { return err }

  waiter := s3.NewBucketExistsWaiter(self.client)
  wait_rq := &s3.HeadBucketInput{ Bucket: &self.bucket, }
  if err = waiter.Wait(ctx, wait_rq, self.bucket_wait); err != nil { return err }

  access_in := &s3.PutPublicAccessBlockInput{
    Bucket: &self.bucket,
    PublicAccessBlockConfiguration: &s3_types.PublicAccessBlockConfiguration{
      BlockPublicAcls: true,
      IgnorePublicAcls: true,
      BlockPublicPolicy: true,
      RestrictPublicBuckets: true,
    },
  }
  _, err = self.client.PutPublicAccessBlock(ctx, access_in)
  return err
}

func (self *s3Journal) SetupJournal(ctx context.Context) (<-chan error) {
  done := make(chan error, 1)
  go func() {
    defer close(done)
    exists, err := self.checkBucketExistsAndIsOwnedByMyAccount(ctx)
    if err != nil { done <- err; return }
    if exists {
      util.Infof("Bucket '%s' already exists", self.bucket)
      done <- nil
      return
    }
    done <- self.createBucket(ctx)
  }()
  return done
}
