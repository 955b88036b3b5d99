package issuer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/iot"
	"github.com/aws/aws-sdk-go/service/iot/iotiface"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIoT records calls made against the IoT API.
type fakeIoT struct {
	iotiface.IoTAPI

	calls         []string
	things        map[string]string // thing name -> thing type
	policies      map[string]string // certificate ARN -> policy
	principals    map[string]string // thing name -> certificate ARN
	certs         map[string]string // certificate ID -> status
	failAttach    bool
	thingNotFound bool
}

func newFakeIoT() *fakeIoT {
	return &fakeIoT{
		things:     make(map[string]string),
		policies:   make(map[string]string),
		principals: make(map[string]string),
		certs:      make(map[string]string),
	}
}

func (f *fakeIoT) DescribeEndpointWithContext(ctx aws.Context, in *iot.DescribeEndpointInput, _ ...request.Option) (*iot.DescribeEndpointOutput, error) {
	f.calls = append(f.calls, "DescribeEndpoint")
	return &iot.DescribeEndpointOutput{EndpointAddress: aws.String("abc-ats.iot.eu-west-1.amazonaws.com")}, nil
}

func (f *fakeIoT) CreateKeysAndCertificateWithContext(ctx aws.Context, in *iot.CreateKeysAndCertificateInput, _ ...request.Option) (*iot.CreateKeysAndCertificateOutput, error) {
	f.calls = append(f.calls, "CreateKeysAndCertificate")
	id := "cert-" + string(rune('a'+len(f.certs)))
	f.certs[id] = iot.CertificateStatusActive
	return &iot.CreateKeysAndCertificateOutput{
		CertificateId:  aws.String(id),
		CertificateArn: aws.String("arn:aws:iot:cert/" + id),
		CertificatePem: aws.String("CERT"),
		KeyPair: &iot.KeyPair{
			PublicKey:  aws.String("PUB"),
			PrivateKey: aws.String("PRIV"),
		},
	}, nil
}

func (f *fakeIoT) CreateThingWithContext(ctx aws.Context, in *iot.CreateThingInput, _ ...request.Option) (*iot.CreateThingOutput, error) {
	f.calls = append(f.calls, "CreateThing")
	f.things[aws.StringValue(in.ThingName)] = aws.StringValue(in.ThingTypeName)
	return &iot.CreateThingOutput{ThingName: in.ThingName}, nil
}

func (f *fakeIoT) AttachPolicyWithContext(ctx aws.Context, in *iot.AttachPolicyInput, _ ...request.Option) (*iot.AttachPolicyOutput, error) {
	f.calls = append(f.calls, "AttachPolicy")
	if f.failAttach {
		return nil, errors.New("throttled")
	}
	f.policies[aws.StringValue(in.Target)] = aws.StringValue(in.PolicyName)
	return &iot.AttachPolicyOutput{}, nil
}

func (f *fakeIoT) AttachThingPrincipalWithContext(ctx aws.Context, in *iot.AttachThingPrincipalInput, _ ...request.Option) (*iot.AttachThingPrincipalOutput, error) {
	f.calls = append(f.calls, "AttachThingPrincipal")
	f.principals[aws.StringValue(in.ThingName)] = aws.StringValue(in.Principal)
	return &iot.AttachThingPrincipalOutput{}, nil
}

func (f *fakeIoT) DetachThingPrincipalWithContext(ctx aws.Context, in *iot.DetachThingPrincipalInput, _ ...request.Option) (*iot.DetachThingPrincipalOutput, error) {
	f.calls = append(f.calls, "DetachThingPrincipal")
	delete(f.principals, aws.StringValue(in.ThingName))
	return &iot.DetachThingPrincipalOutput{}, nil
}

func (f *fakeIoT) UpdateCertificateWithContext(ctx aws.Context, in *iot.UpdateCertificateInput, _ ...request.Option) (*iot.UpdateCertificateOutput, error) {
	f.calls = append(f.calls, "UpdateCertificate")
	f.certs[aws.StringValue(in.CertificateId)] = aws.StringValue(in.NewStatus)
	return &iot.UpdateCertificateOutput{}, nil
}

func (f *fakeIoT) DeleteCertificateWithContext(ctx aws.Context, in *iot.DeleteCertificateInput, _ ...request.Option) (*iot.DeleteCertificateOutput, error) {
	f.calls = append(f.calls, "DeleteCertificate")
	delete(f.certs, aws.StringValue(in.CertificateId))
	return &iot.DeleteCertificateOutput{}, nil
}

func (f *fakeIoT) DeleteThingWithContext(ctx aws.Context, in *iot.DeleteThingInput, _ ...request.Option) (*iot.DeleteThingOutput, error) {
	f.calls = append(f.calls, "DeleteThing")
	if f.thingNotFound {
		return nil, awserr.New(iot.ErrCodeResourceNotFoundException, "no such thing", nil)
	}
	delete(f.things, aws.StringValue(in.ThingName))
	return &iot.DeleteThingOutput{}, nil
}

func newTestAWSIssuer(client iotiface.IoTAPI) *AWSIoTIssuer {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAWSIoTIssuerWithClient(client, AWSConfig{
		Policy:           "device-policy",
		GatewayPolicy:    "gateway-policy",
		GatewayThingType: "greengrass-core",
		RootCA:           []byte("ROOT"),
	}, log)
}

func TestAWSIssueDevice(t *testing.T) {
	fake := newFakeIoT()
	iss := newTestAWSIssuer(fake)

	bundle, err := iss.Issue(context.Background(), interfaces.IssueRequest{Name: "acme-SN001", Kind: interfaces.KindDevice})
	require.NoError(t, err)
	require.True(t, bundle.Complete())

	assert.Equal(t, "acme-SN001", bundle.Connectivity.ThingName)
	assert.Equal(t, "abc-ats.iot.eu-west-1.amazonaws.com", bundle.Connectivity.Endpoint)
	assert.Equal(t, "device-policy", fake.policies[bundle.Connectivity.CertificateARN])
	assert.Equal(t, bundle.Connectivity.CertificateARN, fake.principals["acme-SN001"])
	assert.Empty(t, fake.things["acme-SN001"])

	// The endpoint is looked up once.
	_, err = iss.Issue(context.Background(), interfaces.IssueRequest{Name: "acme-SN002", Kind: interfaces.KindDevice})
	require.NoError(t, err)
	n := 0
	for _, c := range fake.calls {
		if c == "DescribeEndpoint" {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestAWSIssueGateway(t *testing.T) {
	fake := newFakeIoT()
	iss := newTestAWSIssuer(fake)

	bundle, err := iss.Issue(context.Background(), interfaces.IssueRequest{Name: "acme-GW01", Kind: interfaces.KindGateway})
	require.NoError(t, err)
	assert.Equal(t, "gateway-policy", fake.policies[bundle.Connectivity.CertificateARN])
	assert.Equal(t, "greengrass-core", fake.things["acme-GW01"])
}

func TestAWSIssueRollsBack(t *testing.T) {
	fake := newFakeIoT()
	fake.failAttach = true
	iss := newTestAWSIssuer(fake)

	_, err := iss.Issue(context.Background(), interfaces.IssueRequest{Name: "acme-SN001", Kind: interfaces.KindDevice})
	require.Error(t, err)
	assert.Empty(t, fake.certs)
	assert.Empty(t, fake.things)
}

func TestAWSRevoke(t *testing.T) {
	fake := newFakeIoT()
	iss := newTestAWSIssuer(fake)

	bundle, err := iss.Issue(context.Background(), interfaces.IssueRequest{Name: "acme-SN001", Kind: interfaces.KindDevice})
	require.NoError(t, err)

	fake.calls = nil
	require.NoError(t, iss.Revoke(context.Background(), bundle.Connectivity))
	assert.Equal(t, []string{"DetachThingPrincipal", "UpdateCertificate", "DeleteCertificate", "DeleteThing"}, fake.calls)
	assert.Empty(t, fake.certs)
	assert.Empty(t, fake.things)
	assert.Empty(t, fake.principals)

	// Missing resources are treated as already revoked.
	fake.thingNotFound = true
	require.NoError(t, iss.Revoke(context.Background(), bundle.Connectivity))

	require.Error(t, iss.Revoke(context.Background(), interfaces.ConnectivityDescriptor{}))
}

func TestNewAWSIoTIssuerValidation(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewAWSIoTIssuer(AWSConfig{Region: "eu-west-1", RootCA: []byte("ROOT")}, log)
	require.Error(t, err)
	_, err = NewAWSIoTIssuer(AWSConfig{Region: "eu-west-1", Policy: "p"}, log)
	require.Error(t, err)
}
