package driver

const (
	// Canonical entities are keyed by (type, primary_key). Attributes are stored as a
	// JSON document; match_keys holds the folded lookup keys used by finds.
	UpsertEntityQuery = `
		MERGE (n:Entity {type: $type, primary_key: $primary_key})
		ON CREATE SET n.uuid = $uuid
		SET n.attributes = $attributes,
			n.match_keys = $match_keys,
			n.sources = $sources,
			n.permissions = $permissions,
			n.embedding = $embedding,
			n.last_updated = $last_updated
		RETURN n.uuid AS uuid
	`

	FindEntitiesByMatchKeyQuery = `
		MATCH (n:Entity {type: $type})
		WHERE $match_key IN n.match_keys
		RETURN n.uuid AS uuid, n.type AS type, n.primary_key AS primary_key,
			n.attributes AS attributes, n.sources AS sources, n.permissions AS permissions,
			n.embedding AS embedding, n.last_updated AS last_updated
		ORDER BY n.primary_key
	`

	GetEntityQuery = `
		MATCH (n:Entity {type: $type, primary_key: $primary_key})
		RETURN n.uuid AS uuid, n.type AS type, n.primary_key AS primary_key,
			n.attributes AS attributes, n.sources AS sources, n.permissions AS permissions,
			n.embedding AS embedding, n.last_updated AS last_updated
	`

	UpsertRelationQuery = `
		MATCH (source:Entity {type: $from_type, primary_key: $from_key})
		MATCH (target:Entity {type: $to_type, primary_key: $to_key})
		MERGE (source)-[r:RELATES_TO {id: $id}]->(target)
		SET r.tag = $tag,
			r.descriptions = $descriptions,
			r.strength = $strength,
			r.permissions = $permissions,
			r.sources = $sources,
			r.created_at = $created_at,
			r.last_updated = $last_updated
		RETURN r.id AS id
	`

	GetRelationQuery = `
		MATCH (source:Entity)-[r:RELATES_TO {id: $id}]->(target:Entity)
		RETURN r.id AS id, r.tag AS tag, r.descriptions AS descriptions, r.strength AS strength,
			r.permissions AS permissions, r.sources AS sources,
			r.created_at AS created_at, r.last_updated AS last_updated,
			source.type AS from_type, source.primary_key AS from_key,
			target.type AS to_type, target.primary_key AS to_key
	`

	CountEntitiesByTypeQuery = `
		MATCH (n:Entity)
		RETURN n.type AS type, count(n) AS count
	`

	CountRelationsQuery = `
		MATCH (:Entity)-[r:RELATES_TO]->(:Entity)
		RETURN count(r) AS count
	`
)

var indexQueries = []string{
	"CREATE INDEX ON :Entity(uuid);",
	"CREATE INDEX ON :Entity(type);",
	"CREATE INDEX ON :Entity(type, primary_key);",
	"CREATE EDGE INDEX ON :RELATES_TO(id);",
}
