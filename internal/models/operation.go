package models

// OperationDescriptor pairs an optional prior item with its replacement so a
// batch of adds and updates can be committed and reported per item.
type OperationDescriptor struct {
	Previous *SyncItem
	Item     SyncItem
	Labels   []Label
	Success  bool
}

// IsAdd reports whether the operation creates a new row
func (o *OperationDescriptor) IsAdd() bool {
	return o.Previous == nil
}

// NewAddOperation wraps a new item
func NewAddOperation(item SyncItem, labels ...Label) *OperationDescriptor {
	return &OperationDescriptor{Item: item, Labels: labels}
}

// NewUpdateOperation wraps an update of previous to item
func NewUpdateOperation(previous, item SyncItem, labels ...Label) *OperationDescriptor {
	prev := previous.Clone()
	return &OperationDescriptor{Previous: &prev, Item: item, Labels: labels}
}
