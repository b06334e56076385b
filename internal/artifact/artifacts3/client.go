package artifacts3

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	transport "github.com/aws/smithy-go/endpoints"
)

// BucketName is the name of the S3 bucket that holds artifact blobs.
//
// It is a variable instead of a constant because aws-sdk-go-v2 often
// requires a pointer to a string.
var BucketName = "enclave-artifacts"

// endpointResolver implements s3.EndpointResolverV2.
// It resolves endpoints for S3-compatible object storage like MinIO.
type endpointResolver struct {
	BaseURL *url.URL // required
}

func (r *endpointResolver) ResolveEndpoint(_ context.Context, params s3.EndpointParameters) (transport.Endpoint, error) {
	u := *r.BaseURL
	u.Path += "/" + *params.Bucket
	return transport.Endpoint{URI: u}, nil
}

// NewClient creates a new Client using the provided connection string.
// The connection string must be a valid URL in the format: http://key:secret@s3:9000.
// For MinIO, the key and secret are the username and password respectively.
func NewClient(connectionString string) (*s3.Client, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return nil, fmt.Errorf("new s3 client: %w", err)
	}

	username := u.User.Username()
	password, _ := u.User.Password()
	u.User = nil

	client := s3.New(
		s3.Options{
			Credentials:        credentials.NewStaticCredentialsProvider(username, password, ""),
			EndpointResolverV2: &endpointResolver{BaseURL: u},
			Region:             "us-east-1",
		},
	)
	return client, nil
}

// Setup creates the bucket if it doesn't exist and waits for it.
func Setup(ctx context.Context, client *s3.Client) error {
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: &BucketName,
	})
	if ownedErr := (*types.BucketAlreadyOwnedByYou)(nil); errors.As(err, &ownedErr) {
		// continue
	} else if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	err = s3.NewBucketExistsWaiter(client).Wait(
		ctx,
		&s3.HeadBucketInput{Bucket: &BucketName},
		time.Minute,
	)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	return nil
}
