package backendstub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/kingrea/batchline/internal/record"
)

// Logger is the minimal logging surface the stub needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Stub is an in-memory implementation of the batch-record REST backend.
type Stub struct {
	settings Settings
	logger   Logger
	clock    func() time.Time
	validate *validator.Validate
	engine   *gin.Engine

	mu       sync.Mutex
	users    map[string]User
	records  map[string]map[string]*storedRecord
	orders   map[string][]Order
	products map[string]map[string]Product
	seen     map[string]time.Time
	faults   map[string][]int
	hits     map[string]int
}

type storedRecord struct {
	doc   []byte
	steps [][]byte
}

// Option customizes stub construction.
type Option func(*Stub)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Stub) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control token and session timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Stub) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSettings overrides the default settings.
func WithSettings(settings Settings) Option {
	return func(s *Stub) {
		settings.normalize()
		s.settings = settings
	}
}

// New builds a stub holding the seed data.
func New(seed Seed, opts ...Option) (*Stub, error) {
	s := &Stub{
		settings: DefaultSettings(),
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		validate: validator.New(),
		users:    map[string]User{},
		records:  map[string]map[string]*storedRecord{},
		orders:   map[string][]Order{},
		products: map[string]map[string]Product{},
		seen:     map[string]time.Time{},
		faults:   map[string][]int{},
		hits:     map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.load(seed); err != nil {
		return nil, err
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Stub) load(seed Seed) error {
	for _, u := range seed.Users {
		if u.UserID == "" {
			u.UserID = uuid.NewString()
		}
		s.users[u.LoginID] = u
	}
	for _, r := range seed.Records {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		doc := []byte("{}")
		var err error
		set := func(path string, value any) {
			if err == nil {
				doc, err = sjson.SetBytes(doc, path, value)
			}
		}
		set("_id", id)
		set(r.Resource.NameField, r.Name)
		for _, role := range record.CursorRoles() {
			set(role.Spec().CursorField, r.Cursors[role])
		}
		if err != nil {
			return fmt.Errorf("backendstub: seed %s %s: %w", r.Resource.Name, id, err)
		}
		stored := &storedRecord{doc: doc}
		for i, step := range r.Steps {
			if !gjson.ValidBytes(step) || !gjson.ParseBytes(step).IsObject() {
				return fmt.Errorf("backendstub: seed %s %s step %d is not an object", r.Resource.Name, id, i+1)
			}
			var compact bytes.Buffer
			if err := json.Compact(&compact, step); err != nil {
				return fmt.Errorf("backendstub: seed %s %s step %d: %w", r.Resource.Name, id, i+1, err)
			}
			stored.steps = append(stored.steps, compact.Bytes())
		}
		if s.records[r.Resource.Path] == nil {
			s.records[r.Resource.Path] = map[string]*storedRecord{}
		}
		s.records[r.Resource.Path][id] = stored
	}
	for _, o := range seed.Orders {
		s.orders[o.Resource.Name] = append(s.orders[o.Resource.Name], o)
		if s.products[o.Resource.Name] == nil {
			s.products[o.Resource.Name] = map[string]Product{}
		}
		for _, p := range o.Products {
			s.products[o.Resource.Name][p.ID] = p
		}
	}
	return nil
}

// Handler exposes the stub as an http.Handler.
func (s *Stub) Handler() http.Handler {
	return s.engine
}

func (s *Stub) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(s.settings.ServiceName), s.track, s.limitBody)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/users/login", s.login)
	r.POST("/users/logout", s.logout)
	r.POST("/auth/check-inactivity", s.checkInactivity)

	for _, res := range record.Resources() {
		g := r.Group("/"+res.Path, s.authenticate)
		g.GET("/:id", s.getRecord(res))
		g.GET("/:id/total-steps", s.totalSteps(res))
		g.GET("/:id/step/:index", s.getStep(res))
		g.PATCH("/:id/step/:index", s.patchStep(res))
		for _, role := range record.CursorRoles() {
			spec := role.Spec()
			g.GET("/:id/"+spec.CursorPath, s.getCursor(res, spec))
			g.PATCH("/:id/"+spec.CursorPath, s.patchCursor(res, spec))
		}

		r.GET("/"+res.OrdersPath, s.authenticate, s.listOrders(res))
		r.POST("/"+res.ProductPath+"/bulk", s.authenticate, s.bulkProducts(res))

		reports := r.Group("/"+res.ReportPath, s.authenticate)
		reports.GET("/downloadPDF/:order/:product/:id/:lang/:user/:role", s.recordReport(res))
		reports.GET("/downloadPDFForOrder/:order/:lang/:user/:role", s.orderReport(res))
	}
	return r
}

func (s *Stub) track(c *gin.Context) {
	key := requestKey(c.Request.Method, c.Request.URL.Path)
	s.mu.Lock()
	s.hits[key]++
	status := 0
	if queue := s.faults[key]; len(queue) > 0 {
		status = queue[0]
		s.faults[key] = queue[1:]
	}
	s.mu.Unlock()
	if id := c.GetHeader("X-Request-ID"); id != "" {
		c.Header("X-Request-ID", id)
	}
	if status != 0 {
		c.AbortWithStatusJSON(status, gin.H{"message": http.StatusText(status)})
		return
	}
	c.Next()
	s.logger.Printf("backendstub: %s -> %d", key, c.Writer.Status())
}

func (s *Stub) limitBody(c *gin.Context) {
	if c.Request.Body != nil {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.settings.MaxBodyBytes)
	}
	c.Next()
}

func (s *Stub) lookup(res record.Resource, id string) (*storedRecord, bool) {
	rec, ok := s.records[res.Path][id]
	return rec, ok
}

func (s *Stub) getRecord(res record.Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.lookup(res, c.Param("id"))
		if !ok {
			notFound(c)
			return
		}
		c.Data(http.StatusOK, "application/json", rec.doc)
	}
}

func (s *Stub) totalSteps(res record.Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.lookup(res, c.Param("id"))
		if !ok {
			notFound(c)
			return
		}
		c.JSON(http.StatusOK, gin.H{"totalSteps": len(rec.steps)})
	}
}

func (s *Stub) getCursor(res record.Resource, spec record.RoleSpec) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.lookup(res, c.Param("id"))
		if !ok {
			notFound(c)
			return
		}
		c.JSON(http.StatusOK, gin.H{spec.CursorField: gjson.GetBytes(rec.doc, spec.CursorField).Int()})
	}
}

func (s *Stub) patchCursor(res record.Resource, spec record.RoleSpec) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			badRequest(c, "unable to read body")
			return
		}
		value := gjson.GetBytes(body, spec.CursorField)
		if value.Type != gjson.Number {
			badRequest(c, spec.CursorField+" must be a number")
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.lookup(res, c.Param("id"))
		if !ok {
			notFound(c)
			return
		}
		n := int(value.Int())
		if n < 0 || n > len(rec.steps) {
			badRequest(c, spec.CursorField+" out of range")
			return
		}
		doc, err := sjson.SetBytes(rec.doc, spec.CursorField, n)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		rec.doc = doc
		c.JSON(http.StatusOK, gin.H{spec.CursorField: n})
	}
}

func (s *Stub) stepIndex(c *gin.Context, rec *storedRecord) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 1 || index > len(rec.steps) {
		notFound(c)
		return 0, false
	}
	return index, true
}

func (s *Stub) getStep(res record.Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.lookup(res, c.Param("id"))
		if !ok {
			notFound(c)
			return
		}
		index, ok := s.stepIndex(c, rec)
		if !ok {
			return
		}
		c.Data(http.StatusOK, "application/json", rec.steps[index-1])
	}
}

func (s *Stub) patchStep(res record.Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			badRequest(c, "unable to read body")
			return
		}
		updated := gjson.GetBytes(body, "updatedStepData")
		if !updated.IsObject() {
			badRequest(c, "updatedStepData must be an object")
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.lookup(res, c.Param("id"))
		if !ok {
			notFound(c)
			return
		}
		index, ok := s.stepIndex(c, rec)
		if !ok {
			return
		}
		rec.steps[index-1] = []byte(updated.Raw)
		c.Data(http.StatusOK, "application/json", rec.steps[index-1])
	}
}

type bulkRequest struct {
	ProductIDs []string `json:"productIds" validate:"required,dive,required"`
}

func (s *Stub) listOrders(res record.Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]gin.H, 0, len(s.orders[res.Name]))
		for _, o := range s.orders[res.Name] {
			ids := make([]string, 0, len(o.Products))
			for _, p := range o.Products {
				ids = append(ids, p.ID)
			}
			doc := gin.H{"_id": o.ID, res.OrderName: o.Name, res.OrderItems: ids}
			if o.Equipment != "" {
				doc["equipmentInfo"] = gin.H{"equipment_name": o.Equipment}
			}
			out = append(out, doc)
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Stub) bulkProducts(res record.Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkRequest
		if !s.bind(c, &req) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]gin.H, 0, len(req.ProductIDs))
		for _, id := range req.ProductIDs {
			p, ok := s.products[res.Name][id]
			if !ok {
				continue
			}
			out = append(out, gin.H{"_id": p.ID, res.ProductName: p.Name, res.ParentField: p.RecordID})
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Stub) recordReport(res record.Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		rec, ok := s.lookup(res, c.Param("id"))
		var name string
		if ok {
			name = record.Localize(decodeName(rec.doc, res), c.Param("lang"))
		}
		s.mu.Unlock()
		if !ok {
			notFound(c)
			return
		}
		pdf := renderPDF(
			res.Title+" report",
			"Order: "+c.Param("order"),
			"Product: "+c.Param("product"),
			"Record: "+name,
			"Requested by: "+c.Param("user")+" ("+c.Param("role")+")",
		)
		sendPDF(c, "report-"+c.Param("id")+".pdf", pdf)
	}
}

func (s *Stub) orderReport(res record.Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		var found bool
		for _, o := range s.orders[res.Name] {
			if o.ID == c.Param("order") {
				found = true
				break
			}
		}
		s.mu.Unlock()
		if !found {
			notFound(c)
			return
		}
		pdf := renderPDF(
			res.Title+" order report",
			"Order: "+c.Param("order"),
			"Language: "+c.Param("lang"),
			"Requested by: "+c.Param("user")+" ("+c.Param("role")+")",
		)
		sendPDF(c, "order-"+c.Param("order")+".pdf", pdf)
	}
}

func decodeName(doc []byte, res record.Resource) map[string]string {
	out := map[string]string{}
	name := gjson.GetBytes(doc, res.NameField)
	if name.Type == gjson.String {
		out[record.DefaultLanguage] = name.String()
		return out
	}
	name.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = value.String()
		return true
	})
	return out
}

// renderPDF produces a minimal single-page PDF listing the given lines.
func renderPDF(lines ...string) []byte {
	var content bytes.Buffer
	content.WriteString("BT /F1 12 Tf 50 780 Td 16 TL\n")
	for _, line := range lines {
		fmt.Fprintf(&content, "(%s) Tj T*\n", pdfEscape(line))
	}
	content.WriteString("ET")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}
	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&out, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return out.Bytes()
}

func pdfEscape(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '(', ')', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			if r < 0x20 || r > 0x7e {
				b.WriteByte('?')
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sendPDF(c *gin.Context, filename string, pdf []byte) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", pdf)
}

func (s *Stub) bind(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		badRequest(c, "Invalid request body")
		return false
	}
	if err := s.validate.Struct(target); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"message": "Validation failed",
			"errors":  formatValidationErrors(err),
		})
		return false
	}
	return true
}

func formatValidationErrors(err error) map[string]string {
	out := map[string]string{}
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrors {
			out[e.Field()] = e.Tag()
		}
	}
	return out
}

func notFound(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "not found"})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": message})
}

func requestKey(method, path string) string {
	return method + " " + path
}

// Fail makes the next request matching method and path answer with status.
// Calls queue up.
func (s *Stub) Fail(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := requestKey(method, path)
	s.faults[key] = append(s.faults[key], status)
}

// Hits reports how many requests matched method and path.
func (s *Stub) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[requestKey(method, path)]
}

// TotalHits reports how many requests the stub received.
func (s *Stub) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

// StepDocument returns the stored step document.
func (s *Stub) StepDocument(res record.Resource, id string, index int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookup(res, id)
	if !ok || index < 1 || index > len(rec.steps) {
		return nil, false
	}
	return append([]byte(nil), rec.steps[index-1]...), true
}

// SetStepDocument replaces a stored step document.
func (s *Stub) SetStepDocument(res record.Resource, id string, index int, doc []byte) error {
	if !gjson.ValidBytes(doc) {
		return fmt.Errorf("backendstub: invalid step document")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookup(res, id)
	if !ok || index < 1 || index > len(rec.steps) {
		return fmt.Errorf("backendstub: no step %d on %s %s", index, res.Name, id)
	}
	rec.steps[index-1] = append([]byte(nil), doc...)
	return nil
}

// Cursor returns the stored cursor value for the role.
func (s *Stub) Cursor(res record.Resource, id string, role record.Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookup(res, id)
	if !ok {
		return 0
	}
	return int(gjson.GetBytes(rec.doc, role.Spec().CursorField).Int())
}
