package record

import (
	"fmt"
	"strings"
)

// Resource describes one kind of parent record and the backend paths and
// field names that belong to it. Instructions (eBR) and equipment
// activities (eLog) share the same step tracking contract.
type Resource struct {
	Name        string
	Title       string
	Path        string
	NameField   string
	ReportPath  string
	OrdersPath  string
	OrderName   string
	OrderItems  string
	ProductPath string
	ProductName string
	ParentField string
}

var (
	Instruction = Resource{
		Name:        "instruction",
		Title:       "Batch Records",
		Path:        "instructions",
		NameField:   "instruction_name",
		ReportPath:  "reports",
		OrdersPath:  "orders",
		OrderName:   "order_name",
		OrderItems:  "products",
		ProductPath: "products",
		ProductName: "product_name",
		ParentField: "instruction_id",
	}
	EquipmentActivity = Resource{
		Name:        "activity",
		Title:       "Equipment Logbook",
		Path:        "equipmentActivities",
		NameField:   "activity_name",
		ReportPath:  "eLogReports",
		OrdersPath:  "eLogOrders",
		OrderName:   "eLogOrder_name",
		OrderItems:  "eLogProducts",
		ProductPath: "eLogProducts",
		ProductName: "eLog_product_name",
		ParentField: "equipment_activities_id",
	}
)

// Resources lists every supported resource.
func Resources() []Resource {
	return []Resource{Instruction, EquipmentActivity}
}

// ResourceByName resolves "instruction" or "activity" (and their paths).
func ResourceByName(name string) (Resource, error) {
	trimmed := strings.TrimSpace(name)
	for _, res := range Resources() {
		if strings.EqualFold(trimmed, res.Name) || strings.EqualFold(trimmed, res.Path) {
			return res, nil
		}
	}
	return Resource{}, fmt.Errorf("record: unknown resource %q", name)
}

func (r Resource) String() string {
	return r.Name
}
