package stage

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStage struct {
	name    string
	port    Port
	visited *[]string
	panics  bool
}

func (s *recordingStage) ProcessPacket(d *packet.Descriptor) Port {
	*s.visited = append(*s.visited, s.name)
	if s.panics {
		panic("boom")
	}
	return s.port
}

type statusStage struct{ msg string }

func (s *statusStage) ProcessPacket(d *packet.Descriptor) Port { return DropPort }
func (s *statusStage) GetStatus(w io.Writer) error {
	_, err := w.Write([]byte(s.msg))
	return err
}

type configurableStage struct{ got map[string]any }

func (s *configurableStage) ProcessPacket(d *packet.Descriptor) Port { return DropPort }
func (s *configurableStage) Configure(settings map[string]any) error {
	s.got = settings
	return nil
}

type flowStage struct{ seen []string }

func (s *flowStage) ProcessPacket(d *packet.Descriptor) Port { return DropPort }
func (s *flowStage) ProcessFlow(fl *flow.Record)             { s.seen = append(s.seen, fl.ID.String()) }

func newTestDescriptor() *packet.Descriptor {
	d := packet.New()
	d.Raw = []byte("x")
	d.Initialize(1)
	return d
}

func TestDispatchFollowsDefaultConnection(t *testing.T) {
	var visited []string
	g := NewGraph("a", nil)
	g.AddNode("a", &recordingStage{name: "a", port: DefaultPort, visited: &visited}, map[Port]string{DefaultPort: "b"})
	g.AddNode("b", &recordingStage{name: "b", port: DropPort, visited: &visited}, nil)

	require.NoError(t, g.Validate())
	g.Dispatch(newTestDescriptor())

	assert.Equal(t, []string{"a", "b"}, visited)
}

func TestDispatchFollowsNamedPortOverDefault(t *testing.T) {
	var visited []string
	g := NewGraph("a", nil)
	g.AddNode("a", &recordingStage{name: "a", port: Port("https"), visited: &visited}, map[Port]string{
		DefaultPort: "fallback",
		"https":     "tls",
	})
	g.AddNode("fallback", &recordingStage{name: "fallback", port: DropPort, visited: &visited}, nil)
	g.AddNode("tls", &recordingStage{name: "tls", port: DropPort, visited: &visited}, nil)

	require.NoError(t, g.Validate())
	g.Dispatch(newTestDescriptor())

	assert.Equal(t, []string{"a", "tls"}, visited)
}

func TestDispatchStopsOnDrop(t *testing.T) {
	var visited []string
	g := NewGraph("a", nil)
	g.AddNode("a", &recordingStage{name: "a", port: DropPort, visited: &visited}, map[Port]string{DefaultPort: "b"})
	g.AddNode("b", &recordingStage{name: "b", port: DropPort, visited: &visited}, nil)

	g.Dispatch(newTestDescriptor())
	assert.Equal(t, []string{"a"}, visited)
}

func TestDispatchRecoversPanicAndDrops(t *testing.T) {
	var visited []string
	g := NewGraph("a", nil)
	g.AddNode("a", &recordingStage{name: "a", port: DefaultPort, visited: &visited, panics: true}, map[Port]string{DefaultPort: "b"})
	g.AddNode("b", &recordingStage{name: "b", port: DropPort, visited: &visited}, nil)

	assert.NotPanics(t, func() { g.Dispatch(newTestDescriptor()) })
	assert.Equal(t, []string{"a"}, visited)
}

func TestValidateRejectsUnknownConnectionTarget(t *testing.T) {
	g := NewGraph("a", nil)
	g.AddNode("a", &recordingStage{name: "a", port: DropPort, visited: &[]string{}}, map[Port]string{DefaultPort: "missing"})

	err := g.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsMissingRoot(t *testing.T) {
	g := NewGraph("missing-root", nil)
	g.AddNode("a", &recordingStage{name: "a", port: DropPort, visited: &[]string{}}, nil)

	err := g.Validate()
	assert.Error(t, err)
}

func TestConfigureRoutesToNamedStage(t *testing.T) {
	g := NewGraph("a", nil)
	cs := &configurableStage{}
	g.AddNode("a", cs, nil)

	err := g.Configure("a", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, cs.got)
}

func TestConfigureErrorsOnNonConfigurableStage(t *testing.T) {
	var visited []string
	g := NewGraph("a", nil)
	g.AddNode("a", &recordingStage{name: "a", port: DropPort, visited: &visited}, nil)

	err := g.Configure("a", map[string]any{})
	assert.Error(t, err)
}

func TestStatusRoutesToNamedStage(t *testing.T) {
	g := NewGraph("a", nil)
	g.AddNode("a", &statusStage{msg: "ok"}, nil)

	var buf bytes.Buffer
	err := g.Status("a", &buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", buf.String())
}

func TestDispatchFlowInvokesAddedFlowStages(t *testing.T) {
	g := NewGraph("a", nil)
	fs := &flowStage{}
	g.AddNode("sink", fs, nil)

	fl := flow.New(flow.ID{SrcIP: [4]byte{1, 2, 3, 4}, SrcPort: 1, DstPort: 2, Protocol: 6}, 0)
	g.DispatchFlow(fl)

	require.Len(t, fs.seen, 1)
	assert.Equal(t, fl.ID.String(), fs.seen[0])
}

func TestDispatchExceedsMaxHopsWithoutPanicking(t *testing.T) {
	var visited []string
	g := NewGraph("a", nil)
	g.AddNode("a", &recordingStage{name: "a", port: DefaultPort, visited: &visited}, map[Port]string{DefaultPort: "a"})

	assert.NotPanics(t, func() { g.Dispatch(newTestDescriptor()) })
	assert.LessOrEqual(t, len(visited), maxHops+1)
}

func ExampleGraph_Dispatch() {
	var visited []string
	g := NewGraph("a", nil)
	g.AddNode("a", &recordingStage{name: "a", port: DropPort, visited: &visited}, nil)
	g.Dispatch(newTestDescriptor())
	fmt.Println(visited)
	// Output: [a]
}
