package schema_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permazen/permazen-sub003/internal/codec"
	"github.com/permazen/permazen-sub003/internal/schema"
)

func simplePersonModel(t *testing.T) []*schema.ObjTypeModel {
	t.Helper()
	return []*schema.ObjTypeModel{
		{
			Name: "Person",
			Fields: []*schema.FieldModel{
				{Name: "name", Kind: schema.FieldSimple, Encoding: codec.StringEncoding{}, Indexed: true},
			},
		},
	}
}

func TestNewModelAssignsStableSchemaId(t *testing.T) {
	m1, err := schema.NewModel(simplePersonModel(t))
	require.NoError(t, err)
	m2, err := schema.NewModel(simplePersonModel(t))
	require.NoError(t, err)
	require.Equal(t, m1.SchemaId(), m2.SchemaId())

	nameID, ok := m1.ItemSchemaId("Person.name")
	require.True(t, ok)
	require.NotEmpty(t, nameID)
}

func TestNewModelSchemaIdChangesWithFieldIndexing(t *testing.T) {
	m1, err := schema.NewModel(simplePersonModel(t))
	require.NoError(t, err)

	m2, err := schema.NewModel([]*schema.ObjTypeModel{
		{
			Name: "Person",
			Fields: []*schema.FieldModel{
				{Name: "name", Kind: schema.FieldSimple, Encoding: codec.StringEncoding{}, Indexed: false},
			},
		},
	})
	require.NoError(t, err)

	require.NotEqual(t, m1.SchemaId(), m2.SchemaId())
}

func TestNewModelRejectsEmptySchema(t *testing.T) {
	_, err := schema.NewModel(nil)
	require.Error(t, err)
}

func TestNewModelRejectsDuplicateTypeName(t *testing.T) {
	types := simplePersonModel(t)
	types = append(types, types[0])
	_, err := schema.NewModel(types)
	require.Error(t, err)
}

func TestNewModelRejectsInvalidIdentifier(t *testing.T) {
	_, err := schema.NewModel([]*schema.ObjTypeModel{
		{Name: "1Bad", Fields: []*schema.FieldModel{{Name: "x", Kind: schema.FieldSimple, Encoding: codec.StringEncoding{}}}},
	})
	require.Error(t, err)
}

func TestNewModelRejectsUnknownAllowedType(t *testing.T) {
	_, err := schema.NewModel([]*schema.ObjTypeModel{
		{
			Name: "Person",
			Fields: []*schema.FieldModel{
				{Name: "friend", Kind: schema.FieldReference, Encoding: codec.ReferenceEncoding{}, AllowedTypes: []string{"Ghost"}},
			},
		},
	})
	require.Error(t, err)
}

func TestNewModelRejectsCompositeIndexOutOfWidthRange(t *testing.T) {
	_, err := schema.NewModel([]*schema.ObjTypeModel{
		{
			Name: "Person",
			Fields: []*schema.FieldModel{
				{Name: "name", Kind: schema.FieldSimple, Encoding: codec.StringEncoding{}},
			},
			CompositeIndexes: []*schema.CompositeIndexModel{
				{Name: "tooNarrow", FieldNames: []string{"name"}},
			},
		},
	})
	require.Error(t, err)
}

func TestBundleWithSchemaAddedAssignsDenseStorageIDs(t *testing.T) {
	model, err := schema.NewModel(simplePersonModel(t))
	require.NoError(t, err)

	b := schema.Empty()
	nb, idx, err := b.WithSchemaAdded(0, model)
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)

	s, ok := nb.SchemaByIndex(idx)
	require.True(t, ok)
	ot, ok := s.ObjTypes["Person"]
	require.True(t, ok)
	require.Equal(t, uint64(1), ot.StorageID)
	require.Equal(t, uint64(2), ot.FieldsByName["name"].StorageID)
}

func TestBundleWithSchemaAddedRejectsDuplicateSchemaId(t *testing.T) {
	model, err := schema.NewModel(simplePersonModel(t))
	require.NoError(t, err)

	b := schema.Empty()
	nb, _, err := b.WithSchemaAdded(0, model)
	require.NoError(t, err)

	_, _, err = nb.WithSchemaAdded(0, model)
	require.Error(t, err)
}

func TestBundleEncodeDecodeRoundTrip(t *testing.T) {
	model, err := schema.NewModel(simplePersonModel(t))
	require.NoError(t, err)

	b := schema.Empty()
	nb, _, err := b.WithSchemaAdded(0, model)
	require.NoError(t, err)

	enc, err := nb.Encode()
	require.NoError(t, err)

	decoded, err := schema.Decode(enc.SchemaTable, enc.StorageIDTable)
	require.NoError(t, err)

	s, ok := decoded.SchemaByIndex(1)
	require.True(t, ok)
	require.Equal(t, model.SchemaId(), s.Model.SchemaId())
}
