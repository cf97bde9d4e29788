package store

const (
	createUsersTableSQL = `
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(255) PRIMARY KEY,
    tenant_id VARCHAR(255),
    username VARCHAR(255) NOT NULL,
    api_token VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

	createTenantsTableSQL = `
CREATE TABLE IF NOT EXISTS tenants (
    id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    config TEXT
)`

	createConversationsTableSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    tenant_id VARCHAR(255),
    title VARCHAR(255) NOT NULL,
    model VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

	createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(255) PRIMARY KEY,
    conversation_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT,
    reasoning_content TEXT,
    usage_json TEXT,
    metadata_json TEXT,
    seq BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

	createUsageRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS usage_records (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    tenant_id VARCHAR(255),
    conversation_id VARCHAR(255),
    model VARCHAR(255) NOT NULL,
    input_tokens BIGINT NOT NULL,
    output_tokens BIGINT NOT NULL,
    total_tokens BIGINT NOT NULL,
    cost DOUBLE PRECISION NOT NULL,
    trigger_type VARCHAR(50) NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

	createMCPServersTableSQL = `
CREATE TABLE IF NOT EXISTS mcp_servers (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    transport VARCHAR(50) NOT NULL,
    command TEXT NOT NULL,
    args_json TEXT,
    env_json TEXT,
    headers_json TEXT,
    enabled BOOLEAN NOT NULL,
    tools_cache TEXT
)`

	createCustomToolsTableSQL = `
CREATE TABLE IF NOT EXISTS custom_tools (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    parameters_json TEXT,
    http_url TEXT NOT NULL,
    method VARCHAR(16) NOT NULL,
    headers_json TEXT,
    body_template TEXT,
    enabled BOOLEAN NOT NULL
)`

	createKnowledgeBasesTableSQL = `
CREATE TABLE IF NOT EXISTS knowledge_bases (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

	createDocumentsTableSQL = `
CREATE TABLE IF NOT EXISTS documents (
    id VARCHAR(255) PRIMARY KEY,
    kb_id VARCHAR(255) NOT NULL,
    filename VARCHAR(255),
    status VARCHAR(50) NOT NULL,
    created_at TIMESTAMP NOT NULL
)`
)

// schemaStatements returns the bootstrap DDL, one statement per entry so every
// dialect executes them the same way. MySQL has no CREATE INDEX IF NOT EXISTS,
// so its secondary indexes are declared inline in the table DDL instead.
func schemaStatements(dialect string) []string {
	users := createUsersTableSQL
	conversations := createConversationsTableSQL
	messages := createMessagesTableSQL
	if dialect == "mysql" {
		users = mysqlIndexedUsersTableSQL
		conversations = mysqlIndexedConversationsTableSQL
		messages = mysqlIndexedMessagesTableSQL
	}

	stmts := []string{
		users,
		createTenantsTableSQL,
		conversations,
		messages,
		createUsageRecordsTableSQL,
		createMCPServersTableSQL,
		createCustomToolsTableSQL,
		createKnowledgeBasesTableSQL,
		createDocumentsTableSQL,
	}

	if dialect == "mysql" {
		return stmts
	}

	return append(stmts,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_api_token ON users(api_token)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage_records(tenant_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_mcp_servers_user ON mcp_servers(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_custom_tools_user ON custom_tools(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_kb ON documents(kb_id)`,
	)
}

const (
	mysqlIndexedUsersTableSQL = `
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(255) PRIMARY KEY,
    tenant_id VARCHAR(255),
    username VARCHAR(255) NOT NULL,
    api_token VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE KEY idx_users_api_token (api_token)
)`

	mysqlIndexedConversationsTableSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    tenant_id VARCHAR(255),
    title VARCHAR(255) NOT NULL,
    model VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    KEY idx_conversations_user (user_id, updated_at)
)`

	mysqlIndexedMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(255) PRIMARY KEY,
    conversation_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT,
    reasoning_content TEXT,
    usage_json TEXT,
    metadata_json TEXT,
    seq BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    KEY idx_messages_conversation (conversation_id, seq)
)`
)
