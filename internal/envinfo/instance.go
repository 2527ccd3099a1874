package envinfo

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

const (
	providerEC2         = "AWS EC2"
	providerUnavailable = "Not EC2 or metadata unavailable"
	unknownInstanceType = "unknown"
)

func newIMDSClient(opts Options) *imds.Client {
	return imds.New(imds.Options{
		Endpoint: opts.IMDSEndpoint,
		Retryer:  aws.NopRetryer{},
	})
}

func getMetadata(ctx context.Context, client *imds.Client, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", err
	}
	defer out.Content.Close()

	data, err := io.ReadAll(out.Content)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("empty metadata value for %s", path)
	}
	return value, nil
}

func instanceInfo(ctx context.Context, opts Options) map[string]any {
	if opts.SkipIMDS {
		return map[string]any{"provider": providerUnavailable}
	}

	client := newIMDSClient(opts)
	instanceType, err := getMetadata(ctx, client, "instance-type")
	if err != nil {
		return map[string]any{"provider": providerUnavailable}
	}

	az, err := getMetadata(ctx, client, "placement/availability-zone")
	if err != nil {
		az = "Unknown"
	}
	return map[string]any{
		"instance_type":     instanceType,
		"availability_zone": az,
		"provider":          providerEC2,
	}
}

// DetectInstanceType returns the EC2 instance type, or "unknown" off EC2.
func DetectInstanceType(ctx context.Context, opts Options) string {
	opts = opts.withDefaults()
	if opts.SkipIMDS {
		return unknownInstanceType
	}
	instanceType, err := getMetadata(ctx, newIMDSClient(opts), "instance-type")
	if err != nil {
		return unknownInstanceType
	}
	return instanceType
}
