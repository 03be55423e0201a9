package repository

// The nine fixed-schema GORM models below mirror schema.hpp's table
// definitions field-for-field. The tenth table, instance, has no fixed
// schema (its columns come from conf/attributes.json) and is handled
// separately in instance.go using raw SQL and GORM's map-based API.

// InstanceInfo tracks, per training instance, which chunk it arrived in,
// which leaf it currently resolves to, and its running evaluation stats.
type InstanceInfo struct {
	ID                 int64 `gorm:"primaryKey;autoIncrement"`
	RefInstanceID      int64 `gorm:"column:ref_instance_id;index"`
	RefChunkID         int32 `gorm:"column:ref_chunk_id;index"`
	RefLeafTreenodeID  int64 `gorm:"column:ref_leaf_treenode_id;index"`
	WeakCount          int32 `gorm:"column:weak_count"`
	Correct            bool  `gorm:"column:correct"`
}

// TableName pins the GORM table name (the configured prefix is applied
// by Repository.tableName, not by this struct tag).
func (InstanceInfo) TableName() string { return "instance_info" }

// Chunk records one ingested batch of instances and its own accuracy
// before any model update was applied to it.
type Chunk struct {
	ID                  int64   `gorm:"primaryKey;autoIncrement"`
	Datetime            int64   `gorm:"column:datetime"`
	Updated             bool    `gorm:"column:updated;index"`
	InitialCorrectCount int64   `gorm:"column:initial_correct_count"`
	TotalCount          int64   `gorm:"column:total_count"`
	InitialAccuracy     float64 `gorm:"column:initial_accuracy"`
}

func (Chunk) TableName() string { return "chunk" }

// Generation is one version of the forest: a root treenode plus the
// before/after accuracy stats captured when it was built.
type Generation struct {
	ID                           int64   `gorm:"primaryKey;autoIncrement"`
	Datetime                     int64   `gorm:"column:datetime"`
	RootRefTreenodeID            int64   `gorm:"column:root_ref_treenode_id"`
	InstanceCount                int64   `gorm:"column:instance_count"`
	WeakInstanceCount            int64   `gorm:"column:weak_instance_count"`
	WeakInstanceRatio            float64 `gorm:"column:weak_instance_ratio"`
	BeforeWeakInstanceAccuracy   float64 `gorm:"column:before_weak_instance_accuracy"`
	AfterWeakInstanceAccuracy    float64 `gorm:"column:after_weak_instance_accuracy"`
	BeforeInstanceAccuracy       float64 `gorm:"column:before_instance_accuracy"`
	AfterInstanceAccuracy        float64 `gorm:"column:after_instance_accuracy"`
}

func (Generation) TableName() string { return "generation" }

// Treenode is one node of one generation's tree: either an internal node
// (RefRuleID/RefLeafInfoID point respectively to the rule its children
// test and nothing) or a leaf (RefLeafInfoID set, RefRuleID is the rule
// that routed into it from its parent).
type Treenode struct {
	ID                   int64 `gorm:"primaryKey;autoIncrement"`
	RefGenerationID      int64 `gorm:"column:ref_generation_id;index"`
	RefParentTreenodeID  int64 `gorm:"column:ref_parent_treenode_id;index"`
	RefRuleID            int64 `gorm:"column:ref_rule_id;index"`
	RefLeafInfoID        int64 `gorm:"column:ref_leaf_info_id;index"`
}

func (Treenode) TableName() string { return "treenode" }

// Rule is the single condition a treenode's parent edge encodes.
type Rule struct {
	ID           int64   `gorm:"primaryKey;autoIncrement"`
	FeatureIndex int16   `gorm:"column:feature_index"`
	RuleType     int8    `gorm:"column:rule_type"`
	ValueType    int8    `gorm:"column:value_type"`
	ValueInteger int64   `gorm:"column:value_integer"`
	ValueReal    float64 `gorm:"column:value_real"`
}

func (Rule) TableName() string { return "rule" }

// LeafInfo is the prediction payload of a terminal treenode, or the
// go-to-generation redirect of a DAG-chaining leaf.
type LeafInfo struct {
	ID                   int64   `gorm:"primaryKey;autoIncrement"`
	LabelIndex           int32   `gorm:"column:label_index"`
	Type                 int8    `gorm:"column:type"`
	GoToRefGenerationID  int64   `gorm:"column:go_to_ref_generation_id;index"`
	CorrectCount         int64   `gorm:"column:correct_count"`
	TotalCount           int64   `gorm:"column:total_count;index"`
	Accuracy             float64 `gorm:"column:accuracy;index"`
}

func (LeafInfo) TableName() string { return "leaf_info" }

// StringTableRow persists one entry of the nominal-value string table.
type StringTableRow struct {
	ID   int32  `gorm:"primaryKey;autoIncrement"`
	Text string `gorm:"column:text"`
}

func (StringTableRow) TableName() string { return "string_table" }

// Global is the engine's single-row running-total summary. id is always 1.
type Global struct {
	ID                      int64   `gorm:"primaryKey"`
	SchemaVersion           int64   `gorm:"column:schema_version"`
	InstanceCount           int64   `gorm:"column:instance_count"`
	UpdatedInstanceCount    int64   `gorm:"column:updated_instance_count"`
	InstanceCorrectCount    int64   `gorm:"column:instance_correct_count"`
	InstanceAccuracy        float64 `gorm:"column:instance_accuracy"`
	AccWeakInstanceCount    int64   `gorm:"column:acc_weak_instance_count"`
}

func (Global) TableName() string { return "global" }

// GlobalConfusionMatrixCell is one (actual, predicted) cell of the
// running confusion matrix accumulated across every prediction made.
type GlobalConfusionMatrixCell struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	Actual    int32 `gorm:"column:actual;uniqueIndex:idx_confusion_cell"`
	Predicted int32 `gorm:"column:predicted;uniqueIndex:idx_confusion_cell"`
	Count     int64 `gorm:"column:count"`
}

func (GlobalConfusionMatrixCell) TableName() string { return "global_confusion_matrix" }
