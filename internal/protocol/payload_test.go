package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingVisitor records which variant it saw.
type countingVisitor struct{ seen []Category }

func (c *countingVisitor) VisitInception(p *InceptionPayload) error       { return c.add(p) }
func (c *countingVisitor) VisitUser(p *UserPayload) error                 { return c.add(p) }
func (c *countingVisitor) VisitUserSettings(p *UserSettingsPayload) error { return c.add(p) }
func (c *countingVisitor) VisitUserMetadata(p *UserMetadataPayload) error { return c.add(p) }
func (c *countingVisitor) VisitUserInbox(p *UserInboxPayload) error       { return c.add(p) }
func (c *countingVisitor) VisitSpace(p *SpacePayload) error               { return c.add(p) }
func (c *countingVisitor) VisitChannel(p *ChannelPayload) error           { return c.add(p) }
func (c *countingVisitor) VisitDM(p *DMPayload) error                     { return c.add(p) }
func (c *countingVisitor) VisitGDM(p *GDMPayload) error                   { return c.add(p) }
func (c *countingVisitor) VisitMember(p *MemberPayload) error             { return c.add(p) }
func (c *countingVisitor) VisitMedia(p *MediaPayload) error               { return c.add(p) }

func (c *countingVisitor) add(p Payload) error {
	c.seen = append(c.seen, p.Category())
	return nil
}

func TestEveryCategoryDispatches(t *testing.T) {
	v := &countingVisitor{}
	for _, c := range AllCategories() {
		p, err := NewPayload(c)
		require.NoError(t, err)
		assert.Equal(t, c, p.Category())
		require.NoError(t, p.Accept(v))
	}
	assert.Equal(t, AllCategories(), v.seen)
}

func TestPayloadRoundTripKeepsVariant(t *testing.T) {
	in := &SpacePayload{ChannelID: "20aa", ChannelOp: "add"}
	data, err := MarshalPayload(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"case":"space"`)

	out, err := UnmarshalPayload(data)
	require.NoError(t, err)
	require.IsType(t, &SpacePayload{}, out)
	assert.Equal(t, in, out)
	assert.Equal(t, "channel", out.Kind())
}

func TestUnmarshalPayloadErrors(t *testing.T) {
	_, err := UnmarshalPayload([]byte(`{"case":"poll","value":{}}`))
	assert.ErrorContains(t, err, "unknown payload category")

	_, err = UnmarshalPayload([]byte(`not json`))
	assert.Error(t, err)

	_, err = MarshalPayload(nil)
	assert.Error(t, err)
}

func TestSpaceKind(t *testing.T) {
	assert.Equal(t, "name", (&SpacePayload{Name: "x"}).Kind())
	assert.Equal(t, "channel", (&SpacePayload{ChannelID: "20ab"}).Kind())
}
