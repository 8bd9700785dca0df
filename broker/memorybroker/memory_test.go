package memorybroker

import (
	"testing"

	"github.com/cocomposer/cocomposer/broker"
	"github.com/cocomposer/cocomposer/broker/brokertest"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.Run(t, func(t *testing.T) broker.Broker {
		return New()
	})
}
