package db

// SchemaSQL contains the database schema initialization SQL.
// Vectors are compared in process over bounded recency windows, so there is
// no vector index. Frames may carry vectors of a different dimension than
// episodes.
const SchemaSQL = `
    -- ==========================================================================
    -- EPISODE TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS episode SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS source_id ON episode TYPE string;
    DEFINE FIELD IF NOT EXISTS app_name ON episode TYPE string;
    DEFINE FIELD IF NOT EXISTS frame_ids ON episode TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS frame_count ON episode TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS start_ts ON episode TYPE int;
    DEFINE FIELD IF NOT EXISTS end_ts ON episode TYPE int;
    DEFINE FIELD IF NOT EXISTS open ON episode TYPE bool DEFAULT true;
    DEFINE FIELD IF NOT EXISTS closed_at ON episode TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS summary ON episode TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS embedding ON episode TYPE option<array<float>>;
    DEFINE FIELD IF NOT EXISTS embedding_model ON episode TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created_at ON episode TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON episode TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS episode_start ON episode FIELDS start_ts;
    DEFINE INDEX IF NOT EXISTS episode_open ON episode FIELDS open;
    DEFINE INDEX IF NOT EXISTS episode_source ON episode FIELDS source_id;

    -- ==========================================================================
    -- FRAME TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS frame SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS episode_id ON frame TYPE string;
    DEFINE FIELD IF NOT EXISTS source_id ON frame TYPE string;
    DEFINE FIELD IF NOT EXISTS timestamp ON frame TYPE int;
    DEFINE FIELD IF NOT EXISTS app_name ON frame TYPE string;
    DEFINE FIELD IF NOT EXISTS window_title ON frame TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS image_ref ON frame TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS embedding ON frame TYPE option<array<float>>;
    DEFINE FIELD IF NOT EXISTS embedding_model ON frame TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created_at ON frame TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS frame_timestamp ON frame FIELDS timestamp;
    DEFINE INDEX IF NOT EXISTS frame_episode ON frame FIELDS episode_id;
`
