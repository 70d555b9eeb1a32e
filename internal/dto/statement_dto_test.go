package dto_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-lrs/internal/dto"
)

func TestDecodeStatementsSingleAndBatch(t *testing.T) {
	single, batch, err := dto.DecodeStatements([]byte(`{
		"actor": {"mbox": "mailto:a@example.com"},
		"verb": {"id": "http://adlnet.gov/expapi/verbs/experienced"},
		"object": {"id": "http://example.com/a"}
	}`))
	require.NoError(t, err)
	require.False(t, batch)
	require.Len(t, single, 1)
	require.Equal(t, "Agent", single[0].Actor.ObjectType)
	require.Equal(t, "Activity", single[0].Object.ObjectType)
	require.Equal(t, "http://example.com/a", single[0].Object.Activity.ID)

	many, batch, err := dto.DecodeStatements([]byte(` [
		{"id": "1", "actor": {"mbox": "mailto:a@example.com"}, "verb": {"id": "v"}, "object": {"id": "a"}},
		{"id": "2", "actor": {"mbox": "mailto:b@example.com"}, "verb": {"id": "v"}, "object": {"objectType": "StatementRef", "id": "1"}}
	]`))
	require.NoError(t, err)
	require.True(t, batch)
	require.Len(t, many, 2)
	require.Equal(t, "StatementRef", many[1].Object.ObjectType)
	require.Equal(t, "1", many[1].Object.StatementRef.ID)
}

func TestDecodeStatementsRejectsEmptyInput(t *testing.T) {
	_, _, err := dto.DecodeStatements([]byte("   "))
	require.Error(t, err)

	_, _, err = dto.DecodeStatements([]byte("[]"))
	require.Error(t, err)

	_, _, err = dto.DecodeStatements([]byte(`{"object": {"objectType": "Widget"}}`))
	require.Error(t, err)
}

func TestActorDecodesGroupMembers(t *testing.T) {
	var actor dto.Actor
	require.NoError(t, json.Unmarshal([]byte(`{
		"objectType": "Group",
		"name": "Team",
		"member": [{"mbox": "mailto:a@example.com"}, {"account": {"homePage": "http://h", "name": "b"}}]
	}`), &actor))

	require.True(t, actor.IsGroup())
	require.Len(t, actor.Member, 2)
	require.Equal(t, "Agent", actor.Member[0].ObjectType)
	require.Equal(t, "b", actor.Member[1].Account.Name)

	var agent dto.Actor
	require.NoError(t, json.Unmarshal([]byte(`{"objectType": "Agent", "mbox": "mailto:c@example.com", "member": [{"mbox": "mailto:x@example.com"}]}`), &agent))
	require.False(t, agent.IsGroup())
	require.Empty(t, agent.Member)
}

func TestStatementObjectVariants(t *testing.T) {
	cases := map[string]string{
		"Agent":        `{"objectType": "Agent", "mbox": "mailto:a@example.com"}`,
		"Group":        `{"objectType": "Group", "member": []}`,
		"SubStatement": `{"objectType": "SubStatement", "actor": {"mbox": "mailto:a@example.com"}, "verb": {"id": "v"}, "object": {"id": "a"}}`,
	}

	for objectType, raw := range cases {
		t.Run(objectType, func(t *testing.T) {
			var object dto.StatementObject
			require.NoError(t, json.Unmarshal([]byte(raw), &object))
			require.Equal(t, objectType, object.ObjectType)

			encoded, err := json.Marshal(object)
			require.NoError(t, err)

			var fields map[string]interface{}
			require.NoError(t, json.Unmarshal(encoded, &fields))
			require.Equal(t, objectType, fields["objectType"])
		})
	}
}

func TestContextActivitiesAcceptSingleObject(t *testing.T) {
	var context dto.Context
	require.NoError(t, json.Unmarshal([]byte(`{
		"contextActivities": {
			"parent": {"id": "http://example.com/course"},
			"grouping": [{"id": "http://example.com/g1"}, {"id": "http://example.com/g2"}]
		}
	}`), &context))

	require.Len(t, context.ContextActivities.Parent, 1)
	require.Len(t, context.ContextActivities.ByRelation("grouping"), 2)
	require.Nil(t, context.ContextActivities.ByRelation("unknown"))

	var empty *dto.ContextActivities
	require.Nil(t, empty.ByRelation("parent"))
}

func TestStatementQueryModes(t *testing.T) {
	limit := 0
	require.True(t, dto.StatementQuery{StatementID: "x"}.IsSingle())
	require.False(t, dto.StatementQuery{StatementID: "x"}.HasFilters())
	require.True(t, dto.StatementQuery{Limit: &limit}.HasFilters())
	require.False(t, dto.StatementQuery{}.IsSingle())
}
