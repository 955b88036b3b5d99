package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/iot"
	"github.com/aws/aws-sdk-go/service/iot/iotiface"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// AWSConfig configures an AWSIoTIssuer.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Policy is attached to device certificates.
	Policy string
	// GatewayPolicy is attached to gateway certificates. Falls back to Policy.
	GatewayPolicy string
	// GatewayThingType is assigned to gateway things when set.
	GatewayThingType string

	// RootCA is the PEM trust anchor returned with every bundle.
	RootCA []byte
	// Endpoint overrides the data endpoint lookup.
	Endpoint string
}

// AWSIoTIssuer issues identities as AWS IoT things with an attached
// certificate and policy.
type AWSIoTIssuer struct {
	client iotiface.IoTAPI
	cfg    AWSConfig
	log    *slog.Logger

	endpointMu sync.Mutex
	endpoint   string
}

// NewAWSIoTIssuer creates an issuer talking to AWS IoT in the configured region.
func NewAWSIoTIssuer(cfg AWSConfig, log *slog.Logger) (*AWSIoTIssuer, error) {
	if cfg.Policy == "" {
		return nil, errors.New("AWS IoT policy name is required")
	}
	if len(cfg.RootCA) == 0 {
		return nil, errors.New("AWS IoT root CA is required")
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewAWSIoTIssuerWithClient(iot.New(sess), cfg, log), nil
}

// NewAWSIoTIssuerWithClient creates an issuer on top of an existing IoT client.
func NewAWSIoTIssuerWithClient(client iotiface.IoTAPI, cfg AWSConfig, log *slog.Logger) *AWSIoTIssuer {
	if cfg.GatewayPolicy == "" {
		cfg.GatewayPolicy = cfg.Policy
	}
	return &AWSIoTIssuer{client: client, cfg: cfg, log: log, endpoint: cfg.Endpoint}
}

// Issue creates an active certificate, a thing, attaches the policy to the
// certificate and the certificate to the thing. Partial results are rolled
// back on failure.
func (a *AWSIoTIssuer) Issue(ctx context.Context, req interfaces.IssueRequest) (interfaces.IdentityBundle, error) {
	if req.Name == "" {
		return interfaces.IdentityBundle{}, errors.New("empty thing name")
	}

	endpoint, err := a.dataEndpoint(ctx)
	if err != nil {
		return interfaces.IdentityBundle{}, err
	}

	keys, err := a.client.CreateKeysAndCertificateWithContext(ctx, &iot.CreateKeysAndCertificateInput{
		SetAsActive: aws.Bool(true),
	})
	if err != nil {
		return interfaces.IdentityBundle{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	if keys.KeyPair == nil {
		return interfaces.IdentityBundle{}, errors.New("AWS IoT returned no key pair")
	}

	desc := interfaces.ConnectivityDescriptor{
		CertificateID:  aws.StringValue(keys.CertificateId),
		CertificateARN: aws.StringValue(keys.CertificateArn),
		Endpoint:       endpoint,
	}

	policy := a.cfg.Policy
	thingInput := &iot.CreateThingInput{ThingName: aws.String(req.Name)}
	if req.Kind == interfaces.KindGateway {
		policy = a.cfg.GatewayPolicy
		if a.cfg.GatewayThingType != "" {
			thingInput.ThingTypeName = aws.String(a.cfg.GatewayThingType)
		}
	}

	if _, err := a.client.CreateThingWithContext(ctx, thingInput); err != nil {
		a.rollback(ctx, desc)
		return interfaces.IdentityBundle{}, fmt.Errorf("failed to create thing %q: %w", req.Name, err)
	}
	desc.ThingName = req.Name

	if _, err := a.client.AttachPolicyWithContext(ctx, &iot.AttachPolicyInput{
		PolicyName: aws.String(policy),
		Target:     keys.CertificateArn,
	}); err != nil {
		a.rollback(ctx, desc)
		return interfaces.IdentityBundle{}, fmt.Errorf("failed to attach policy %q: %w", policy, err)
	}

	if _, err := a.client.AttachThingPrincipalWithContext(ctx, &iot.AttachThingPrincipalInput{
		ThingName: aws.String(req.Name),
		Principal: keys.CertificateArn,
	}); err != nil {
		a.rollback(ctx, desc)
		return interfaces.IdentityBundle{}, fmt.Errorf("failed to attach certificate to %q: %w", req.Name, err)
	}

	a.log.Info("issued AWS IoT identity", "thing", req.Name, "kind", req.Kind, "certificate", desc.CertificateID)

	return interfaces.IdentityBundle{
		CA:           interfaces.CACert(a.cfg.RootCA),
		Certificate:  interfaces.DeviceCert(aws.StringValue(keys.CertificatePem)),
		PublicKey:    interfaces.PublicKey(aws.StringValue(keys.KeyPair.PublicKey)),
		PrivateKey:   interfaces.PrivateKey(aws.StringValue(keys.KeyPair.PrivateKey)),
		Connectivity: desc,
	}, nil
}

// Revoke detaches the certificate, deactivates and deletes it, then deletes
// the thing. Resources already gone are skipped.
func (a *AWSIoTIssuer) Revoke(ctx context.Context, desc interfaces.ConnectivityDescriptor) error {
	if desc.CertificateID == "" && desc.ThingName == "" {
		return errors.New("empty connectivity descriptor")
	}

	if desc.ThingName != "" && desc.CertificateARN != "" {
		_, err := a.client.DetachThingPrincipalWithContext(ctx, &iot.DetachThingPrincipalInput{
			ThingName: aws.String(desc.ThingName),
			Principal: aws.String(desc.CertificateARN),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to detach certificate from %q: %w", desc.ThingName, err)
		}
	}

	if desc.CertificateID != "" {
		_, err := a.client.UpdateCertificateWithContext(ctx, &iot.UpdateCertificateInput{
			CertificateId: aws.String(desc.CertificateID),
			NewStatus:     aws.String(iot.CertificateStatusInactive),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to deactivate certificate %s: %w", desc.CertificateID, err)
		}

		_, err = a.client.DeleteCertificateWithContext(ctx, &iot.DeleteCertificateInput{
			CertificateId: aws.String(desc.CertificateID),
			ForceDelete:   aws.Bool(true),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete certificate %s: %w", desc.CertificateID, err)
		}
	}

	if desc.ThingName != "" {
		_, err := a.client.DeleteThingWithContext(ctx, &iot.DeleteThingInput{ThingName: aws.String(desc.ThingName)})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete thing %q: %w", desc.ThingName, err)
		}
	}

	a.log.Info("revoked AWS IoT identity", "thing", desc.ThingName, "certificate", desc.CertificateID)
	return nil
}

func (a *AWSIoTIssuer) rollback(ctx context.Context, desc interfaces.ConnectivityDescriptor) {
	if err := a.Revoke(ctx, desc); err != nil {
		a.log.Error("failed to roll back partial AWS IoT identity", "thing", desc.ThingName, "certificate", desc.CertificateID, "err", err)
	}
}

func (a *AWSIoTIssuer) dataEndpoint(ctx context.Context) (string, error) {
	a.endpointMu.Lock()
	defer a.endpointMu.Unlock()

	if a.endpoint != "" {
		return a.endpoint, nil
	}

	out, err := a.client.DescribeEndpointWithContext(ctx, &iot.DescribeEndpointInput{
		EndpointType: aws.String("iot:Data-ATS"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe IoT endpoint: %w", err)
	}
	a.endpoint = aws.StringValue(out.EndpointAddress)
	return a.endpoint, nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == iot.ErrCodeResourceNotFoundException
}
