package interfaces

import (
	"fmt"
	"sort"
	"strings"
)

// Tag is a single capability flag of a model, e.g. a supported protocol.
type Tag string

// TagSet is a sorted, duplicate-free set of tags.
type TagSet []Tag

// Protocol tags.
const (
	ProtocolTCP       Tag = "tcp"
	ProtocolUDP       Tag = "udp"
	ProtocolIP        Tag = "ip"
	ProtocolMQTT      Tag = "mqtt"
	ProtocolCoAP      Tag = "coap"
	ProtocolAMQP      Tag = "amqp"
	ProtocolXMPP      Tag = "xmpp"
	ProtocolDDS       Tag = "dds"
	ProtocolLWM2M     Tag = "lwm2m"
	ProtocolBluetooth Tag = "bluetooth"
	ProtocolBLE       Tag = "ble"
	ProtocolLoRa      Tag = "lora"
	ProtocolZigbee    Tag = "zigbee"
	ProtocolZWave     Tag = "zwave"
	ProtocolNFC       Tag = "nfc"
	ProtocolCANBus    Tag = "canbus"
	ProtocolLTE       Tag = "lte"
	ProtocolNBIoT     Tag = "nbiot"
	ProtocolLTEM      Tag = "lte-m"
	ProtocolThread    Tag = "thread"
)

// Placement tags, used for where a model stores data and where it runs ML.
const (
	PlacementDevice  Tag = "device"
	PlacementGateway Tag = "gateway"
	PlacementCloud   Tag = "cloud"
	PlacementMobile  Tag = "mobile"
)

// KnownProtocols lists every protocol tag a model may declare.
var KnownProtocols = NewTagSet(
	ProtocolTCP, ProtocolUDP, ProtocolIP, ProtocolMQTT, ProtocolCoAP, ProtocolAMQP,
	ProtocolXMPP, ProtocolDDS, ProtocolLWM2M, ProtocolBluetooth, ProtocolBLE, ProtocolLoRa,
	ProtocolZigbee, ProtocolZWave, ProtocolNFC, ProtocolCANBus, ProtocolLTE, ProtocolNBIoT,
	ProtocolLTEM, ProtocolThread,
)

// KnownPlacements lists every placement tag for storage and ML sets.
var KnownPlacements = NewTagSet(PlacementDevice, PlacementGateway, PlacementCloud, PlacementMobile)

// NewTagSet builds a normalized set from the given tags.
func NewTagSet(tags ...Tag) TagSet {
	seen := make(map[Tag]struct{}, len(tags))
	set := make(TagSet, 0, len(tags))
	for _, t := range tags {
		t = Tag(strings.ToLower(strings.TrimSpace(string(t))))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		set = append(set, t)
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	return set
}

// ParseTagSet parses a comma separated list, rejecting tags outside vocabulary.
// A nil vocabulary accepts any tag.
func ParseTagSet(s string, vocabulary TagSet) (TagSet, error) {
	if strings.TrimSpace(s) == "" {
		return TagSet{}, nil
	}
	var tags []Tag
	for _, part := range strings.Split(s, ",") {
		tags = append(tags, Tag(part))
	}
	set := NewTagSet(tags...)
	if vocabulary != nil {
		for _, t := range set {
			if !vocabulary.Has(t) {
				return nil, fmt.Errorf("unknown tag %q", t)
			}
		}
	}
	return set, nil
}

// Has reports whether the set contains t.
func (s TagSet) Has(t Tag) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= t })
	return i < len(s) && s[i] == t
}

// String renders the set as a comma separated list.
func (s TagSet) String() string {
	parts := make([]string, len(s))
	for i, t := range s {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
