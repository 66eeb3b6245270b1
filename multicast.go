package ccrouter

import (
	"strings"
	"unicode/utf8"
)

const (
	multicastSeparator       = "/"
	singlePartitionWildcard  = "+"
	multiPartitionWildcard   = "*"
	multicastWildcardSymbols = "+*"
)

// MulticastAddressCalculatorParticipantID is the reserved receiver id meaning
// "the multicast address calculator supplies the address".
const MulticastAddressCalculatorParticipantID = "joynr.internal.multicastAddressCalculatorParticipantId"

// ValidateMulticastID validates a published multicast id.
// Published ids consist of non-empty partitions and contain no wildcards.
func ValidateMulticastID(multicastID string) error {
	if err := validateMulticastLevels(multicastID); err != nil {
		return err
	}
	if strings.ContainsAny(multicastID, multicastWildcardSymbols) {
		return ErrInvalidMulticastID
	}
	return nil
}

// ValidateMulticastPattern validates a receiver registration pattern.
// "+" matches exactly one partition and "*" matches any number of trailing
// partitions, including none. Both must occupy a whole partition and "*" must
// be the last one.
func ValidateMulticastPattern(pattern string) error {
	if err := validateMulticastLevels(pattern); err != nil {
		return err
	}

	levels := strings.Split(pattern, multicastSeparator)
	for i, level := range levels {
		if strings.Contains(level, singlePartitionWildcard) && level != singlePartitionWildcard {
			return ErrInvalidMulticastID
		}
		if strings.Contains(level, multiPartitionWildcard) {
			if level != multiPartitionWildcard || i != len(levels)-1 {
				return ErrInvalidMulticastID
			}
		}
	}
	return nil
}

func validateMulticastLevels(id string) error {
	if id == "" || !utf8.ValidString(id) {
		return ErrInvalidMulticastID
	}
	for _, level := range strings.Split(id, multicastSeparator) {
		if level == "" {
			return ErrInvalidMulticastID
		}
	}
	return nil
}

// MulticastMatch reports whether a published multicast id matches pattern.
func MulticastMatch(pattern, multicastID string) bool {
	p := strings.Split(pattern, multicastSeparator)
	m := strings.Split(multicastID, multicastSeparator)

	for i, level := range p {
		if level == multiPartitionWildcard {
			return true
		}
		if i >= len(m) {
			return false
		}
		if level != singlePartitionWildcard && level != m[i] {
			return false
		}
	}
	return len(p) == len(m)
}

// multicastMatcher is a partition trie resolving a published multicast id to
// the receivers of every matching pattern.
type multicastMatcher struct {
	root *multicastNode
}

type multicastNode struct {
	children  map[string]*multicastNode
	receivers map[string]struct{}
}

func newMulticastNode() *multicastNode {
	return &multicastNode{children: make(map[string]*multicastNode)}
}

func newMulticastMatcher() *multicastMatcher {
	return &multicastMatcher{root: newMulticastNode()}
}

func (m *multicastMatcher) add(pattern, participantID string) {
	node := m.root
	for _, level := range strings.Split(pattern, multicastSeparator) {
		child, ok := node.children[level]
		if !ok {
			child = newMulticastNode()
			node.children[level] = child
		}
		node = child
	}

	if node.receivers == nil {
		node.receivers = make(map[string]struct{})
	}
	node.receivers[participantID] = struct{}{}
}

// remove deletes participantID from pattern and prunes empty branches.
func (m *multicastMatcher) remove(pattern, participantID string) bool {
	levels := strings.Split(pattern, multicastSeparator)
	path := make([]*multicastNode, 0, len(levels)+1)
	path = append(path, m.root)

	node := m.root
	for _, level := range levels {
		child, ok := node.children[level]
		if !ok {
			return false
		}
		node = child
		path = append(path, node)
	}

	if _, ok := node.receivers[participantID]; !ok {
		return false
	}
	delete(node.receivers, participantID)

	for i := len(levels) - 1; i >= 0; i-- {
		child := path[i+1]
		if len(child.receivers) > 0 || len(child.children) > 0 {
			break
		}
		delete(path[i].children, levels[i])
	}

	return true
}

func (m *multicastMatcher) match(multicastID string, out map[string]struct{}) {
	levels := strings.Split(multicastID, multicastSeparator)
	m.matchNode(m.root, levels, 0, out)
}

func (m *multicastMatcher) matchNode(node *multicastNode, levels []string, idx int, out map[string]struct{}) {
	// "*" also matches when no partitions remain
	if child, ok := node.children[multiPartitionWildcard]; ok {
		for id := range child.receivers {
			out[id] = struct{}{}
		}
	}

	if idx >= len(levels) {
		for id := range node.receivers {
			out[id] = struct{}{}
		}
		return
	}

	if child, ok := node.children[levels[idx]]; ok {
		m.matchNode(child, levels, idx+1, out)
	}

	if child, ok := node.children[singlePartitionWildcard]; ok {
		m.matchNode(child, levels, idx+1, out)
	}
}
