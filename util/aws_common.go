package util

import (
  "context"

  "btrfs_syncd/types"

  "github.com/aws/aws-sdk-go-v2/aws"
  "github.com/aws/aws-sdk-go-v2/aws/arn"
  "github.com/aws/aws-sdk-go-v2/config"
  "github.com/aws/aws-sdk-go-v2/credentials"
  "github.com/aws/aws-sdk-go-v2/service/sts"
)

// Static credentials win over the profile, the profile wins over the default chain.
func NewAwsConfig(ctx context.Context, conf *types.Config) (*aws.Config, error) {
  opts := []func(*config.LoadOptions) error{
    config.WithDefaultRegion(conf.Aws.Region),
  }
  if len(conf.Aws.AccessKeyId) > 0 {
    creds := credentials.StaticCredentialsProvider{
      Value: aws.Credentials{
        AccessKeyID: conf.Aws.AccessKeyId,
        SecretAccessKey: conf.Aws.SecretAccessKey,
        SessionToken: conf.Aws.SessionToken,
      },
    }
    opts = append(opts, config.WithCredentialsProvider(creds))
  } else if len(conf.Aws.Profile) > 0 {
    opts = append(opts, config.WithSharedConfigProfile(conf.Aws.Profile))
  }
  cfg, err := config.LoadDefaultConfig(ctx, opts...)
  return &cfg, err
}

// The subset of the sts client used.
type UsedStsIf interface {
  GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

func GetAccountId(ctx context.Context, client UsedStsIf) (string, error) {
  var err error
  var res_name arn.ARN
  var ident_out *sts.GetCallerIdentityOutput

  ident_in := &sts.GetCallerIdentityInput{}
  ident_out, err = client.GetCallerIdentity(ctx, ident_in)
  if err != nil { return "", err }

  res_name, err = arn.Parse(*(ident_out.Arn))
  if err != nil { return "", err }
  return res_name.AccountID, nil
}
