package repository

// Schema definitions for Heron database.
// Compatible with both SQLite and PostgreSQL. Customer and order dates are
// epoch seconds so day arithmetic is plain integer math on both engines.

const schemaSegments = `
CREATE TABLE IF NOT EXISTS segments (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    rule_groups TEXT NOT NULL,
    audience_size BIGINT NOT NULL DEFAULT 0,
    last_calculated TIMESTAMP,
    source TEXT NOT NULL,
    confidence TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_segments_name ON segments(tenant_id, name);
`

const schemaCustomers = `
CREATE TABLE IF NOT EXISTS customers (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    email TEXT,
    phone TEXT,
    city TEXT,
    country TEXT,
    total_spent DOUBLE PRECISION NOT NULL DEFAULT 0,
    visit_count BIGINT NOT NULL DEFAULT 0,
    churn_risk TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    registration_date BIGINT,
    last_visit BIGINT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_customers_tenant ON customers(tenant_id);
`

// schemaCustomerTags holds the elements of the tags array field.
const schemaCustomerTags = `
CREATE TABLE IF NOT EXISTS customer_tags (
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (tenant_id, customer_id, value)
);

CREATE INDEX IF NOT EXISTS idx_customer_tags_value ON customer_tags(tenant_id, value);
`

const schemaOrders = `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    ordered_at BIGINT NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders(tenant_id, customer_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSegments,
		schemaCustomers,
		schemaCustomerTags,
		schemaOrders,
	}
}
