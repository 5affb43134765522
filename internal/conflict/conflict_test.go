package conflict

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/record"
)

func progressConflict() record.ConflictDescriptor {
	return record.ConflictDescriptor{Step: 3, Fields: []record.FieldConflict{
		{Name: "progress_pct", Server: record.String("55"), Client: record.String("40")},
	}}
}

func TestDiff_AddedRemovedModified(t *testing.T) {
	server := record.Data{"a": record.String("1"), "b": record.String("2"), "c": record.Bool(true)}
	client := record.Data{"a": record.String("1"), "b": record.String("3"), "d": record.Number("4")}

	d := Diff(server, client)

	assert.Equal(t, []FieldChange{{Name: "d", Client: record.Number("4")}}, d.Added)
	assert.Equal(t, []FieldChange{{Name: "c", Server: record.Bool(true)}}, d.Removed)
	assert.Equal(t, []FieldChange{{Name: "b", Server: record.String("2"), Client: record.String("3")}}, d.Modified)
	assert.Equal(t, []string{"b", "c", "d"}, d.Fields())
	assert.False(t, d.Empty())
}

func TestDiff_EqualRecords(t *testing.T) {
	data := record.Data{"a": record.String("1")}
	assert.True(t, Diff(data, data.Clone()).Empty())
	assert.True(t, Diff(nil, nil).Empty())
}

func TestDiff_TypeMattersNotJustText(t *testing.T) {
	d := Diff(record.Data{"n": record.String("1")}, record.Data{"n": record.Number("1")})
	assert.Len(t, d.Modified, 1)
}

func TestDescriptor_FromDiff(t *testing.T) {
	desc := Descriptor(3,
		record.Data{"progress_pct": record.String("55"), "owner": record.String("ana")},
		record.Data{"progress_pct": record.String("40"), "owner": record.String("ana")},
	)
	assert.Equal(t, progressConflict(), desc)
}

func TestResolve_MergeClientField(t *testing.T) {
	client := record.Data{"progress_pct": record.String("40"), "owner": record.String("ana")}
	res := record.Merge(map[string]record.Side{"progress_pct": record.SideClient})

	got, err := Resolve(progressConflict(), res, client)
	require.NoError(t, err)

	assert.Equal(t, record.Data{"progress_pct": record.String("40"), "owner": record.String("ana")}, got.Data)
	assert.Equal(t, map[string]record.Side{"progress_pct": record.SideClient}, got.Sources)
	assert.False(t, got.DeferToServer)
}

func TestResolve_MergeUnmentionedFieldsDefaultToServer(t *testing.T) {
	desc := record.ConflictDescriptor{Step: 2, Fields: []record.FieldConflict{
		{Name: "a", Server: record.String("sa"), Client: record.String("ca")},
		{Name: "b", Server: record.String("sb"), Client: record.String("cb")},
	}}
	client := record.Data{"a": record.String("ca"), "b": record.String("cb")}

	got, err := Resolve(desc, record.Merge(map[string]record.Side{"b": record.SideClient}), client)
	require.NoError(t, err)

	assert.Equal(t, record.String("sa"), got.Data["a"])
	assert.Equal(t, record.String("cb"), got.Data["b"])
	assert.Equal(t, record.SideServer, got.Sources["a"])
}

func TestResolve_MergeAbsentSides(t *testing.T) {
	desc := record.ConflictDescriptor{Step: 1, Fields: []record.FieldConflict{
		{Name: "added_locally", Client: record.String("x")},
		{Name: "added_remotely", Server: record.String("y")},
	}}
	client := record.Data{"added_locally": record.String("x")}

	got, err := Resolve(desc, record.Merge(map[string]record.Side{
		"added_locally":  record.SideServer,
		"added_remotely": record.SideClient,
	}), client)
	require.NoError(t, err)
	assert.Empty(t, got.Data)
}

func TestResolve_Server(t *testing.T) {
	client := record.Data{"progress_pct": record.String("40"), "owner": record.String("ana")}

	got, err := Resolve(progressConflict(), record.UseServer(), client)
	require.NoError(t, err)
	assert.Equal(t, record.Data{"progress_pct": record.String("55"), "owner": record.String("ana")}, got.Data)

	// The client map is not modified.
	assert.Equal(t, record.String("40"), client["progress_pct"])
}

func TestResolve_ServerWholeRecordDefers(t *testing.T) {
	got, err := Resolve(record.ConflictDescriptor{Step: 4}, record.UseServer(), record.Data{"a": record.String("1")})
	require.NoError(t, err)
	assert.True(t, got.DeferToServer)
	assert.Nil(t, got.Data)
}

func TestResolve_Client(t *testing.T) {
	client := record.Data{"progress_pct": record.String("40"), "extra": record.Bool(false)}

	got, err := Resolve(progressConflict(), record.UseClient(), client)
	require.NoError(t, err)
	assert.Equal(t, client, got.Data)
	assert.Equal(t, record.SideClient, got.Sources["progress_pct"])

	got, err = Resolve(record.ConflictDescriptor{Step: 4}, record.UseClient(), client)
	require.NoError(t, err)
	assert.Equal(t, client, got.Data)
	assert.False(t, got.DeferToServer)
}

func TestResolve_WholeRecordMerge(t *testing.T) {
	client := record.Data{"a": record.String("1"), "b": record.String("2")}
	res := record.Merge(map[string]record.Side{"a": record.SideClient, "b": record.SideServer})

	got, err := Resolve(record.ConflictDescriptor{Step: 4}, res, client)
	require.NoError(t, err)
	assert.True(t, got.DeferToServer)
	assert.Equal(t, record.Data{"a": record.String("1")}, got.Partial)

	_, err = Resolve(record.ConflictDescriptor{Step: 4},
		record.Merge(map[string]record.Side{"missing": record.SideClient}), client)
	assert.True(t, IsResolveError(err))
}

func TestResolve_RejectsUnknownMergeField(t *testing.T) {
	_, err := Resolve(progressConflict(), record.Merge(map[string]record.Side{"nope": record.SideClient}), nil)
	require.Error(t, err)
	assert.True(t, IsResolveError(err))
}

func TestResolve_RejectsInvalidResolution(t *testing.T) {
	_, err := Resolve(progressConflict(), record.Resolution{Mode: "newest"}, nil)
	assert.True(t, IsResolveError(err))
}

func TestResolve_Deterministic(t *testing.T) {
	desc := record.ConflictDescriptor{Step: 5, Fields: []record.FieldConflict{
		{Name: "a", Server: record.String("sa"), Client: record.String("ca")},
		{Name: "b", Server: record.Number("1"), Client: record.Number("2")},
		{Name: "c", Server: record.Bool(true), Client: record.Bool(false)},
	}}
	client := record.Data{"a": record.String("ca"), "b": record.Number("2"), "c": record.Bool(false), "d": record.String("d")}
	res := record.Merge(map[string]record.Side{"a": record.SideServer, "b": record.SideClient})

	first, err := Resolve(desc, res, client)
	require.NoError(t, err)
	second, err := Resolve(desc, res, client)
	require.NoError(t, err)

	b1, err := record.MarshalCanonical(first.Data)
	require.NoError(t, err)
	b2, err := record.MarshalCanonical(second.Data)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.Equal(t, `{"a":"sa","b":2,"c":true,"d":"d"}`, string(b1))
}

func TestResolveAll(t *testing.T) {
	descs := []record.ConflictDescriptor{{Step: 4}, progressConflict()}
	clients := map[int]record.Data{
		3: {"progress_pct": record.String("40")},
		4: {"x": record.String("1")},
	}

	resolved, unresolved, err := ResolveAll(descs, record.ResolutionMap{3: record.UseClient()}, clients)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, 3, resolved[0].Step)
	assert.Equal(t, []int{4}, unresolved)

	_, _, err = ResolveAll(descs, record.ResolutionMap{9: record.UseClient()}, clients)
	assert.True(t, IsResolveError(err))
}

func TestTokenDiff_WordGranularity(t *testing.T) {
	segs := TokenDiff("ship the order today", "ship the new order tomorrow")

	assert.Equal(t, "ship the {+new +}order [-today-]{+tomorrow+}", RenderSegments(segs))
}

func TestTokenDiff_Identical(t *testing.T) {
	segs := TokenDiff("same text", "same text")
	require.Len(t, segs, 1)
	assert.Equal(t, Segment{Op: OpEqual, Text: "same text"}, segs[0])
}

func TestFormatConflict_Golden(t *testing.T) {
	desc := record.ConflictDescriptor{Step: 3, Fields: []record.FieldConflict{
		{Name: "progress_pct", Server: record.String("55"), Client: record.String("40")},
		{Name: "owner", Client: record.String("ana")},
		{Name: "notes", Server: record.String("call the client on monday"), Client: record.String("call the client on tuesday")},
	}}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "field_conflict", []byte(FormatConflict(desc)))
	g.Assert(t, "whole_record_conflict", []byte(FormatConflict(record.ConflictDescriptor{Step: 4})))
}
