package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPublisherBlankSubnetDisabled(t *testing.T) {
	p, err := NewPublisher("")
	assert.NoError(t, err)
	assert.False(t, p.Enabled())
}

func TestNewPublisherRejectsInvalidCIDR(t *testing.T) {
	_, err := NewPublisher("not-a-cidr")
	assert.Error(t, err)
}

func TestNewPublisherDerivesGateway(t *testing.T) {
	p, err := NewPublisher("10.88.0.0/24")
	assert.NoError(t, err)
	assert.True(t, p.Enabled())
	assert.Equal(t, "10.88.0.1", p.gatewayIP.String())
}

func TestContainerIPIsDeterministicAndInSubnet(t *testing.T) {
	p, err := NewPublisher("10.88.0.0/24")
	assert.NoError(t, err)

	ip1 := p.containerIP("container-a")
	ip2 := p.containerIP("container-a")
	assert.Equal(t, ip1, ip2)

	ip3 := p.containerIP("container-b")
	assert.NotEqual(t, ip1, ip3)

	assert.True(t, p.subnet.Contains(ip1))
	assert.NotEqual(t, p.gatewayIP.String(), ip1.String())
}

func TestAttachContainerNoopWhenDisabled(t *testing.T) {
	p, err := NewPublisher("")
	assert.NoError(t, err)
	assert.NoError(t, p.AttachContainer(context.Background(), "c1", 1, 20000, 80))
}

func TestDetachContainerUnknownIDIsNoop(t *testing.T) {
	p, err := NewPublisher("10.88.0.0/24")
	assert.NoError(t, err)
	p.DetachContainer("never-attached")
}
