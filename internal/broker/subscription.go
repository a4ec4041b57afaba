package broker

import (
	"strings"

	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/internal/packet/utils"
)

// subscriber is one client's registration at a trie node.
type subscriber struct {
	session *Session
	qos     packet.QoSLevel
}

type trieNode struct {
	children map[string]*trieNode
	subs     map[string]*subscriber // clientID -> subscriber
}

func newTrieNode() *trieNode {
	return &trieNode{
		children: make(map[string]*trieNode),
		subs:     make(map[string]*subscriber),
	}
}

// Subscription describes one client's standing registration, returned by
// GetSubscriptions.
type Subscription struct {
	ClientID string
	Topic    string
	QoS      packet.QoSLevel
}

// matchedSubscriber is one recipient of a routed publication.
type matchedSubscriber struct {
	session *Session
	qos     packet.QoSLevel
}

// SubscriptionTree is a trie-based topic matcher supporting the `+`
// (single-level) and `#` (multi-level) wildcards, generalized from a
// per-connection subscriber list into a shared structure the Broker
// consults while holding its own lock — SubscriptionTree has no lock of its
// own, matching the Session's lock-free design.
type SubscriptionTree struct {
	root              *trieNode
	byClient          map[string]map[string]packet.QoSLevel // clientID -> filter -> qos
	overlappingSingle bool
}

func NewSubscriptionTree(overlappingSingle bool) *SubscriptionTree {
	return &SubscriptionTree{
		root:              newTrieNode(),
		byClient:          make(map[string]map[string]packet.QoSLevel),
		overlappingSingle: overlappingSingle,
	}
}

func splitTopicLevels(topic string) []string {
	return strings.Split(topic, "/")
}

// IsValidTopicFilter reports whether filter is a well-formed SUBSCRIBE/
// UNSUBSCRIBE topic filter (UTF-8, non-empty, wildcards only occupying a
// whole level with `#` last).
func IsValidTopicFilter(filter string) bool {
	return utils.ValidateTopicFilter(filter) == nil
}

// IsValidTopicName reports whether name is a well-formed PUBLISH topic name
// (no wildcards allowed).
func IsValidTopicName(name string) bool {
	return utils.ValidateTopicName(name) == nil
}

// Subscribe registers session for filter at qos, creating trie nodes as
// needed. Re-subscribing the same client to the same filter overwrites the
// granted QoS.
func (t *SubscriptionTree) Subscribe(clientID string, session *Session, filter string, qos packet.QoSLevel) {
	node := t.root
	for _, level := range splitTopicLevels(filter) {
		child, ok := node.children[level]
		if !ok {
			child = newTrieNode()
			node.children[level] = child
		}
		node = child
	}
	node.subs[clientID] = &subscriber{session: session, qos: qos}

	if t.byClient[clientID] == nil {
		t.byClient[clientID] = make(map[string]packet.QoSLevel)
	}
	t.byClient[clientID][filter] = qos
}

// Unsubscribe removes clientID's registration at filter, if any.
func (t *SubscriptionTree) Unsubscribe(clientID, filter string) {
	node := t.root
	for _, level := range splitTopicLevels(filter) {
		child, ok := node.children[level]
		if !ok {
			return
		}
		node = child
	}
	delete(node.subs, clientID)

	if m := t.byClient[clientID]; m != nil {
		delete(m, filter)
		if len(m) == 0 {
			delete(t.byClient, clientID)
		}
	}
}

// UnsubscribeAll removes every registration belonging to clientID, used on
// disconnect.
func (t *SubscriptionTree) UnsubscribeAll(clientID string) {
	for filter := range t.byClient[clientID] {
		t.Unsubscribe(clientID, filter)
	}
	delete(t.byClient, clientID)
}

// GetSubscriptions lists clientID's current registrations.
func (t *SubscriptionTree) GetSubscriptions(clientID string) []*Subscription {
	result := make([]*Subscription, 0, len(t.byClient[clientID]))
	for filter, qos := range t.byClient[clientID] {
		result = append(result, &Subscription{ClientID: clientID, Topic: filter, QoS: qos})
	}
	return result
}

// Match returns every subscriber whose filter matches topicName. When the
// tree's overlappingSingle flag is set, a client matching through more than
// one overlapping filter is returned once, at the highest granted QoS;
// otherwise it is returned once per matching filter.
func (t *SubscriptionTree) Match(topicName string) []*matchedSubscriber {
	levels := splitTopicLevels(topicName)
	var raw []*matchedSubscriber

	var walk func(node *trieNode, idx int)
	walk = func(node *trieNode, idx int) {
		if node == nil {
			return
		}
		if child, ok := node.children["#"]; ok {
			for _, sub := range child.subs {
				raw = append(raw, &matchedSubscriber{session: sub.session, qos: sub.qos})
			}
		}
		if idx == len(levels) {
			for _, sub := range node.subs {
				raw = append(raw, &matchedSubscriber{session: sub.session, qos: sub.qos})
			}
			return
		}
		if child, ok := node.children[levels[idx]]; ok {
			walk(child, idx+1)
		}
		if child, ok := node.children["+"]; ok {
			walk(child, idx+1)
		}
	}
	walk(t.root, 0)

	if !t.overlappingSingle {
		return raw
	}

	order := make([]*Session, 0, len(raw))
	best := make(map[*Session]*matchedSubscriber, len(raw))
	for _, m := range raw {
		if existing, ok := best[m.session]; ok {
			if m.qos > existing.qos {
				existing.qos = m.qos
			}
			continue
		}
		best[m.session] = m
		order = append(order, m.session)
	}

	result := make([]*matchedSubscriber, 0, len(order))
	for _, s := range order {
		result = append(result, best[s])
	}
	return result
}

// TopicMatches reports whether a single topic name satisfies a topic
// filter, honoring `+` and a trailing `#`.
func TopicMatches(filter, topic string) bool {
	filterLevels := splitTopicLevels(filter)
	topicLevels := splitTopicLevels(topic)

	for i, fl := range filterLevels {
		if fl == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl == "+" {
			continue
		}
		if fl != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
